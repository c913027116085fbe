package services

import (
	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/server"
)

// ServiceManagerImpl manages all services with dependency injection
type ServiceManagerImpl struct {
	coord *server.Coordinator
	stats *diag.Stats

	services *ServiceContainer
}

// NewServiceManager creates a new service manager
func NewServiceManager(coord *server.Coordinator, stats *diag.Stats) *ServiceManagerImpl {
	sm := &ServiceManagerImpl{
		coord: coord,
		stats: stats,
	}

	sm.services = &ServiceContainer{
		Device:    NewDeviceService(coord),
		Command:   NewCommandService(coord),
		Session:   NewSessionService(coord),
		Stats:     NewStatsService(coord, stats),
		Transport: NewTransportService(coord),
	}

	return sm
}

// GetServices returns the service container
func (sm *ServiceManagerImpl) GetServices() *ServiceContainer {
	return sm.services
}
