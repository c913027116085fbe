package services

// DeviceService exposes the relay's view of end devices
type DeviceService interface {
	ListDevices() ([]DeviceInfo, error)
	GetDevice(id string) (*DeviceInfo, error)
	IsDeviceReachable(id string) (bool, error)
}

// CommandService queues commands on behalf of an operator and inspects the queue
type CommandService interface {
	QueueCommand(req CommandRequest) (*CommandInfo, error)
	ListPending() ([]CommandInfo, error)
	GetPending(target string) ([]CommandInfo, error)
}

// SessionService lists open discovery and command sessions
type SessionService interface {
	ListSessions() ([]SessionInfo, error)
}

// StatsService reports counters and round-trip statistics
type StatsService interface {
	GetStats() (*StatsInfo, error)
}

// TransportService handles transport information
type TransportService interface {
	ListTransports() ([]TransportInfo, error)
	GetTransport(index int) (*TransportInfo, error)
	GetTransportStats() (map[string]interface{}, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Device    DeviceService
	Command   CommandService
	Session   SessionService
	Stats     StatsService
	Transport TransportService
}
