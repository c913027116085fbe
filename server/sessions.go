package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SessionKind string

const (
	SessionDiscovery SessionKind = "discovery"
	SessionCommand   SessionKind = "command"
)

// Session is an open request whose round trip is being timed.
type Session struct {
	ID        string      `json:"id"`
	Kind      SessionKind `json:"kind"`
	Source    string      `json:"source"`
	Target    string      `json:"target,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	StartedAt time.Time   `json:"started_at"`

	seq uint64
}

type pair struct {
	source, target string
}

// SessionTracker correlates discovery and command requests with the
// messages that complete them. A source has at most one discovery session;
// command sessions queue per (source, target) pair so repeated commands are
// matched oldest first.
type SessionTracker struct {
	mu        sync.Mutex
	discovery map[string]Session
	commands  map[pair][]Session
	seq       uint64
	newID     func() string
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		discovery: make(map[string]Session),
		commands:  make(map[pair][]Session),
		newID:     uuid.NewString,
	}
}

func (t *SessionTracker) next(kind SessionKind, source, target string, body []byte, now time.Time) Session {
	t.seq++
	return Session{
		ID:        t.newID(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Body:      body,
		StartedAt: now,
		seq:       t.seq,
	}
}

// OpenDiscovery starts timing a discovery for source, replacing any earlier one.
func (t *SessionTracker) OpenDiscovery(source string, now time.Time) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.next(SessionDiscovery, source, "", nil, now)
	t.discovery[source] = s
	return s
}

// CloseDiscovery ends the discovery for source and reports how long it ran.
func (t *SessionTracker) CloseDiscovery(source string, now time.Time) (time.Duration, Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.discovery[source]
	if !ok {
		return 0, Session{}, false
	}
	delete(t.discovery, source)
	return elapsed(s, now), s, true
}

// OpenCommand starts timing a command from source to target.
func (t *SessionTracker) OpenCommand(source, target string, body []byte, now time.Time) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.next(SessionCommand, source, target, body, now)
	k := pair{source, target}
	t.commands[k] = append(t.commands[k], s)
	return s
}

// CloseCommand is called when target acknowledges: it ends the oldest
// command source sent to target and returns it with its round trip.
func (t *SessionTracker) CloseCommand(target, source string, now time.Time) (time.Duration, Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.popLocked(pair{source, target}, now)
}

// CloseAck ends the oldest command from any source addressed to target.
func (t *SessionTracker) CloseAck(target string, now time.Time) (time.Duration, Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		oldest Session
		found  bool
	)
	for k, open := range t.commands {
		if k.target != target || len(open) == 0 {
			continue
		}
		if !found || open[0].seq < oldest.seq {
			oldest, found = open[0], true
		}
	}
	if !found {
		return 0, Session{}, false
	}
	return t.popLocked(pair{oldest.Source, target}, now)
}

func (t *SessionTracker) popLocked(k pair, now time.Time) (time.Duration, Session, bool) {
	open := t.commands[k]
	if len(open) == 0 {
		return 0, Session{}, false
	}
	s := open[0]
	if len(open) == 1 {
		delete(t.commands, k)
	} else {
		t.commands[k] = open[1:]
	}
	return elapsed(s, now), s, true
}

// SourcesAwaiting lists the sources with open commands addressed to target,
// oldest first.
func (t *SessionTracker) SourcesAwaiting(target string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var heads []Session
	for k, open := range t.commands {
		if k.target == target && len(open) > 0 {
			heads = append(heads, open[0])
		}
	}
	sortSessions(heads)
	sources := make([]string, len(heads))
	for i, s := range heads {
		sources[i] = s.Source
	}
	return sources
}

// OpenCommandsFrom counts command sessions still open for source.
func (t *SessionTracker) OpenCommandsFrom(source string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, open := range t.commands {
		if k.source == source {
			n += len(open)
		}
	}
	return n
}

// List returns every open session ordered by when it was opened.
func (t *SessionTracker) List() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := make([]Session, 0, len(t.discovery)+len(t.commands))
	for _, s := range t.discovery {
		sessions = append(sessions, s)
	}
	for _, open := range t.commands {
		sessions = append(sessions, open...)
	}
	sortSessions(sessions)
	return sessions
}

func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.discovery)
	for _, open := range t.commands {
		n += len(open)
	}
	return n
}

// ExpireBefore drops sessions started before cutoff and returns them.
func (t *SessionTracker) ExpireBefore(cutoff time.Time) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Session
	for source, s := range t.discovery {
		if s.StartedAt.Before(cutoff) {
			expired = append(expired, s)
			delete(t.discovery, source)
		}
	}
	for k, open := range t.commands {
		kept := open[:0]
		for _, s := range open {
			if s.StartedAt.Before(cutoff) {
				expired = append(expired, s)
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == 0 {
			delete(t.commands, k)
		} else {
			t.commands[k] = kept
		}
	}
	sortSessions(expired)
	return expired
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].seq < s[j].seq })
}

// elapsed never goes negative, even if the clock steps backwards.
func elapsed(s Session, now time.Time) time.Duration {
	d := now.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}
