package services

import (
	"github.com/mbocsi/lorarelay/diag"
	"github.com/mbocsi/lorarelay/server"
)

// StatsServiceImpl implements StatsService
type StatsServiceImpl struct {
	coord *server.Coordinator
	stats *diag.Stats
}

func NewStatsService(coord *server.Coordinator, stats *diag.Stats) StatsService {
	return &StatsServiceImpl{coord: coord, stats: stats}
}

// GetStats snapshots registry, queue and session sizes alongside the event counters
func (ss *StatsServiceImpl) GetStats() (*StatsInfo, error) {
	if ss.stats == nil {
		return nil, ServiceError{
			Code:    ErrCodeInternal,
			Message: "Statistics are not being collected",
		}
	}

	now := ss.coord.Now()
	counters := ss.stats.Counters()
	uptime := now.Sub(counters.Since)
	if uptime < 0 {
		uptime = 0
	}
	return &StatsInfo{
		Reachable:    ss.coord.Registry.CountReachable(now),
		Known:        ss.coord.Registry.Len(),
		Queued:       ss.coord.Queue.Total(),
		OpenSessions: ss.coord.Sessions.Len(),
		Counters:     counters,
		RoundTrips:   ss.stats.Summaries(),
		Uptime:       uptime,
	}, nil
}
