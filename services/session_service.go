package services

import (
	"github.com/mbocsi/lorarelay/server"
)

// SessionServiceImpl implements SessionService
type SessionServiceImpl struct {
	coord *server.Coordinator
}

func NewSessionService(coord *server.Coordinator) SessionService {
	return &SessionServiceImpl{coord: coord}
}

// ListSessions returns open sessions, oldest first
func (ss *SessionServiceImpl) ListSessions() ([]SessionInfo, error) {
	now := ss.coord.Now()
	sessions := ss.coord.Sessions.List()
	result := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		age := now.Sub(s.StartedAt)
		if age < 0 {
			age = 0
		}
		result = append(result, SessionInfo{
			ID:        s.ID,
			Kind:      string(s.Kind),
			Source:    s.Source,
			Target:    s.Target,
			StartedAt: s.StartedAt,
			Age:       age,
		})
	}
	return result, nil
}
