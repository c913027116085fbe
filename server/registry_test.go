package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbocsi/lorarelay/proto"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeviceRegistry_ReachabilityBoundary(t *testing.T) {
	r := NewDeviceRegistry(300 * time.Second)
	r.Touch("eui-a", t0)

	assert.Equal(t, []string{"eui-a"}, r.ReachableSet(t0))
	assert.Equal(t, []string{"eui-a"}, r.ReachableSet(t0.Add(299*time.Second)))
	assert.Equal(t, []string{"eui-a"}, r.ReachableSet(t0.Add(300*time.Second-time.Nanosecond)))
	assert.Empty(t, r.ReachableSet(t0.Add(300*time.Second)))

	// evicted on read, not just hidden
	assert.Equal(t, 0, r.Len())
	_, ok := r.Get("eui-a")
	assert.False(t, ok)
}

func TestDeviceRegistry_TouchNeverShrinksReachability(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	r.Touch("eui-a", t0.Add(30*time.Second))
	r.Touch("eui-a", t0) // older timestamp is ignored

	d, ok := r.Get("eui-a")
	require.True(t, ok)
	assert.Equal(t, t0.Add(30*time.Second), d.LastSeen)
	assert.Equal(t, []string{"eui-a"}, r.ReachableSet(t0.Add(89*time.Second)))
}

func TestDeviceRegistry_RegistrationOrder(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	for i, id := range []string{"eui-c", "eui-a", "eui-b"} {
		r.Touch(id, t0.Add(time.Duration(i)*time.Second))
	}
	r.Touch("eui-c", t0.Add(10*time.Second))

	assert.Equal(t, []string{"eui-c", "eui-a", "eui-b"}, r.ReachableSet(t0.Add(10*time.Second)))

	var listed []string
	for _, d := range r.List() {
		listed = append(listed, d.Id)
	}
	assert.Equal(t, []string{"eui-c", "eui-a", "eui-b"}, listed)
}

func TestDeviceRegistry_ReappearingDeviceIsNew(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	r.Touch("eui-a", t0)
	r.Touch("eui-b", t0)
	r.Advance("eui-a", EventRosterSent)

	// a lapses, b stays alive
	r.Touch("eui-b", t0.Add(50*time.Second))
	r.Touch("eui-a", t0.Add(90*time.Second))

	d, ok := r.Get("eui-a")
	require.True(t, ok)
	assert.Equal(t, StateIdle, d.State)
	assert.Equal(t, t0.Add(90*time.Second), d.FirstSeen)
	assert.Equal(t, []string{"eui-b", "eui-a"}, r.ReachableSet(t0.Add(90*time.Second)))
}

func TestDeviceRegistry_CountReachableDoesNotEvict(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	r.Touch("eui-a", t0)
	r.Touch("eui-b", t0.Add(45*time.Second))

	assert.Equal(t, 1, r.CountReachable(t0.Add(time.Minute)))
	assert.Equal(t, 2, r.Len())
}

func TestDeviceRegistry_Observe(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	radio := &proto.Radio{RSSI: -97, SNR: 7.5, SpreadingFactor: 7}
	r.Observe(Contact{Id: "eui-a", Time: t0, Format: proto.FormatJSON, Transport: "ttn", Radio: radio})
	radio.RSSI = 0

	d, ok := r.Get("eui-a")
	require.True(t, ok)
	assert.Equal(t, proto.FormatJSON, d.Format)
	assert.Equal(t, "json", d.Encoding)
	assert.Equal(t, "ttn", d.Transport)
	require.NotNil(t, d.Radio)
	assert.Equal(t, -97, d.Radio.RSSI, "radio metadata is copied")

	r.Observe(Contact{Id: "eui-a", Time: t0.Add(time.Second), Format: proto.FormatBinary})
	d, _ = r.Get("eui-a")
	assert.Equal(t, proto.FormatBinary, d.Format)
	assert.Equal(t, "ttn", d.Transport, "empty transport keeps the last one")
}

func TestDeviceRegistry_AdvanceUnknown(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)
	_, ok := r.Advance("eui-nobody", EventContact)
	assert.False(t, ok)
}

func TestDeviceRegistry_ConcurrentAccess(t *testing.T) {
	r := NewDeviceRegistry(time.Minute)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				id := fmt.Sprintf("eui-%04x", i*100+j)
				r.Touch(id, t0)
				r.ReachableSet(t0)
				r.Advance(id, EventRosterSent)
				r.List()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, r.Len())
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from DeviceState
		ev   StateEvent
		want DeviceState
	}{
		{StateIdle, EventContact, StateIdle},
		{StateAwaitingRosterAck, EventContact, StateIdle},
		{StateAwaitingCommandAck, EventContact, StateAwaitingCommandAck},

		{StateIdle, EventRosterSent, StateAwaitingRosterAck},
		{StateAwaitingRosterAck, EventRosterSent, StateAwaitingRosterAck},
		{StateAwaitingCommandAck, EventRosterSent, StateAwaitingCommandAck},

		{StateIdle, EventCommandRelayed, StateAwaitingCommandAck},
		{StateAwaitingRosterAck, EventCommandRelayed, StateAwaitingCommandAck},
		{StateAwaitingCommandAck, EventCommandRelayed, StateAwaitingCommandAck},

		{StateIdle, EventCommandsSettled, StateIdle},
		{StateAwaitingRosterAck, EventCommandsSettled, StateAwaitingRosterAck},
		{StateAwaitingCommandAck, EventCommandsSettled, StateIdle},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.from, tt.ev), func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.from, tt.ev))
		})
	}
}

func TestDeviceState_MarshalText(t *testing.T) {
	b, err := StateAwaitingCommandAck.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "awaiting_command_ack", string(b))
	assert.Equal(t, "unknown", DeviceState(42).String())
}
