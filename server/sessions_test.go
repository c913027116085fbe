package server

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker() *SessionTracker {
	tr := NewSessionTracker()
	n := 0
	tr.newID = func() string {
		n++
		return fmt.Sprintf("s-%d", n)
	}
	return tr
}

func TestSessionTracker_DiscoveryRoundTrip(t *testing.T) {
	tr := newTestTracker()
	tr.OpenDiscovery("eui-a", t0)
	second := tr.OpenDiscovery("eui-a", t0.Add(time.Second))
	assert.Equal(t, 1, tr.Len(), "one discovery per source")

	rtt, s, ok := tr.CloseDiscovery("eui-a", t0.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, second.ID, s.ID)
	assert.Equal(t, 2*time.Second, rtt)

	_, _, ok = tr.CloseDiscovery("eui-a", t0.Add(4*time.Second))
	assert.False(t, ok)
}

func TestSessionTracker_CommandReversedRoles(t *testing.T) {
	tr := newTestTracker()
	tr.OpenCommand("eui-a", "eui-b", []byte("X"), t0)

	// closed from the target's side
	rtt, s, ok := tr.CloseCommand("eui-b", "eui-a", t0.Add(1500*time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, rtt)
	assert.Equal(t, "eui-a", s.Source)
	assert.Equal(t, "eui-b", s.Target)
	assert.Equal(t, []byte("X"), s.Body)
	assert.Equal(t, SessionCommand, s.Kind)

	_, _, ok = tr.CloseCommand("eui-b", "eui-a", t0.Add(2*time.Second))
	assert.False(t, ok)
}

func TestSessionTracker_RepeatedCommandsMatchOldestFirst(t *testing.T) {
	tr := newTestTracker()
	first := tr.OpenCommand("eui-a", "eui-b", []byte("1"), t0)
	second := tr.OpenCommand("eui-a", "eui-b", []byte("2"), t0.Add(time.Second))
	assert.Equal(t, 2, tr.OpenCommandsFrom("eui-a"))

	rtt, s, ok := tr.CloseCommand("eui-b", "eui-a", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, first.ID, s.ID)
	assert.Equal(t, 5*time.Second, rtt)

	rtt, s, ok = tr.CloseCommand("eui-b", "eui-a", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.Equal(t, second.ID, s.ID)
	assert.Equal(t, 4*time.Second, rtt)
	assert.Equal(t, 0, tr.OpenCommandsFrom("eui-a"))
}

func TestSessionTracker_PairsAreOrdered(t *testing.T) {
	tr := newTestTracker()
	tr.OpenCommand("eui-a", "eui-b", nil, t0)

	_, _, ok := tr.CloseCommand("eui-a", "eui-b", t0)
	assert.False(t, ok, "an ack from the commander does not close its own command")
}

func TestSessionTracker_CloseAckPicksOldestAcrossSources(t *testing.T) {
	tr := newTestTracker()
	tr.OpenCommand("eui-c", "eui-b", nil, t0.Add(time.Second))
	tr.OpenCommand("eui-a", "eui-b", nil, t0.Add(2*time.Second))
	tr.OpenCommand("eui-a", "eui-d", nil, t0)

	assert.Equal(t, []string{"eui-c", "eui-a"}, tr.SourcesAwaiting("eui-b"))

	_, s, ok := tr.CloseAck("eui-b", t0.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, "eui-c", s.Source)

	_, s, ok = tr.CloseAck("eui-b", t0.Add(3*time.Second))
	require.True(t, ok)
	assert.Equal(t, "eui-a", s.Source)

	_, _, ok = tr.CloseAck("eui-b", t0.Add(3*time.Second))
	assert.False(t, ok)
}

func TestSessionTracker_ElapsedNeverNegative(t *testing.T) {
	tr := newTestTracker()
	tr.OpenCommand("eui-a", "eui-b", nil, t0)

	rtt, _, ok := tr.CloseCommand("eui-b", "eui-a", t0.Add(-time.Second))
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), rtt)
}

func TestSessionTracker_ExpireAndList(t *testing.T) {
	tr := newTestTracker()
	tr.OpenDiscovery("eui-a", t0)
	tr.OpenCommand("eui-a", "eui-b", nil, t0.Add(time.Minute))
	tr.OpenCommand("eui-a", "eui-b", nil, t0.Add(2*time.Hour))
	tr.OpenDiscovery("eui-c", t0.Add(2*time.Hour))

	listed := tr.List()
	require.Len(t, listed, 4)
	assert.Equal(t, "s-1", listed[0].ID)
	assert.Equal(t, "s-4", listed[3].ID)

	expired := tr.ExpireBefore(t0.Add(time.Hour))
	require.Len(t, expired, 2)
	assert.Equal(t, SessionDiscovery, expired[0].Kind)
	assert.Equal(t, SessionCommand, expired[1].Kind)

	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, 1, tr.OpenCommandsFrom("eui-a"))
}
