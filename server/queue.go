package server

import (
	"sort"
	"sync"
	"time"
)

// PendingCommand is a command waiting for its target's next uplink.
type PendingCommand struct {
	Target     string    `json:"target"`
	Source     string    `json:"source"`
	Body       []byte    `json:"body"`
	SessionID  string    `json:"session_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CommandQueue holds a FIFO of pending commands per target device.
type CommandQueue struct {
	mu     sync.RWMutex
	queues map[string][]PendingCommand
}

func NewCommandQueue() *CommandQueue {
	return &CommandQueue{queues: make(map[string][]PendingCommand)}
}

func (q *CommandQueue) Enqueue(cmd PendingCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[cmd.Target] = append(q.queues[cmd.Target], cmd)
}

// DequeueOne removes and returns the oldest command for target.
func (q *CommandQueue) DequeueOne(target string) (PendingCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[target]
	if len(pending) == 0 {
		return PendingCommand{}, false
	}
	cmd := pending[0]
	pending[0] = PendingCommand{}
	if len(pending) == 1 {
		delete(q.queues, target)
	} else {
		q.queues[target] = pending[1:]
	}
	return cmd, true
}

func (q *CommandQueue) Depth(target string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queues[target])
}

// Total is the number of commands queued across all targets.
func (q *CommandQueue) Total() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, pending := range q.queues {
		n += len(pending)
	}
	return n
}

// Pending returns queue depth per target.
func (q *CommandQueue) Pending() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	depths := make(map[string]int, len(q.queues))
	for target, pending := range q.queues {
		depths[target] = len(pending)
	}
	return depths
}

// Peek returns a copy of the commands queued for target, oldest first.
func (q *CommandQueue) Peek(target string) []PendingCommand {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]PendingCommand(nil), q.queues[target]...)
}

// ExpireBefore drops commands enqueued before cutoff and returns them
// ordered by enqueue time.
func (q *CommandQueue) ExpireBefore(cutoff time.Time) []PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []PendingCommand
	for target, pending := range q.queues {
		kept := pending[:0]
		for _, cmd := range pending {
			if cmd.EnqueuedAt.Before(cutoff) {
				expired = append(expired, cmd)
				continue
			}
			kept = append(kept, cmd)
		}
		if len(kept) == 0 {
			delete(q.queues, target)
		} else {
			q.queues[target] = kept
		}
	}
	sort.SliceStable(expired, func(i, j int) bool { return expired[i].EnqueuedAt.Before(expired[j].EnqueuedAt) })
	return expired
}
