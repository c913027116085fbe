package server

import (
	"sort"
	"sync"
	"time"

	"github.com/mbocsi/lorarelay/proto"
)

// Device is the registry record for one end device.
type Device struct {
	Id        string       `json:"id"`
	FirstSeen time.Time    `json:"first_seen"`
	LastSeen  time.Time    `json:"last_seen"`
	Format    proto.Format `json:"-"`
	Encoding  string       `json:"format"`
	State     DeviceState  `json:"state"`
	Transport string       `json:"transport,omitempty"`
	Radio     *proto.Radio `json:"radio,omitempty"`

	seq uint64
}

// Contact describes one observation of a device.
type Contact struct {
	Id        string
	Time      time.Time
	Format    proto.Format
	Transport string
	Radio     *proto.Radio
}

// DeviceRegistry tracks when each device was last heard from. Devices silent
// for longer than the timeout are dropped the next time the reachable set is
// read.
type DeviceRegistry struct {
	mu      sync.RWMutex
	store   map[string]*Device
	timeout time.Duration
	seq     uint64
}

func NewDeviceRegistry(timeout time.Duration) *DeviceRegistry {
	return &DeviceRegistry{store: make(map[string]*Device), timeout: timeout}
}

func (r *DeviceRegistry) Timeout() time.Duration {
	return r.timeout
}

// Touch records that id was heard at ts.
func (r *DeviceRegistry) Touch(id string, ts time.Time) {
	r.Observe(Contact{Id: id, Time: ts})
}

// Observe records a contact together with how the device talked to us.
func (r *DeviceRegistry) Observe(c Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := r.touchLocked(c.Id, c.Time)
	d.Format = c.Format
	d.Encoding = c.Format.String()
	if c.Transport != "" {
		d.Transport = c.Transport
	}
	if c.Radio != nil {
		radio := *c.Radio
		d.Radio = &radio
	}
}

func (r *DeviceRegistry) touchLocked(id string, ts time.Time) *Device {
	d, ok := r.store[id]
	if ok && ts.Sub(d.LastSeen) >= r.timeout {
		// lapsed but not yet evicted: it rejoins as a new device
		ok = false
	}
	if !ok {
		r.seq++
		d = &Device{Id: id, FirstSeen: ts, LastSeen: ts, seq: r.seq, Encoding: proto.FormatBinary.String()}
		r.store[id] = d
		return d
	}
	if ts.After(d.LastSeen) {
		d.LastSeen = ts
	}
	return d
}

// ReachableSet returns the ids heard within the timeout, in the order they
// were first registered. Lapsed devices are removed.
func (r *DeviceRegistry) ReachableSet(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*Device, 0, len(r.store))
	for id, d := range r.store {
		if now.Sub(d.LastSeen) >= r.timeout {
			delete(r.store, id)
			continue
		}
		live = append(live, d)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	ids := make([]string, len(live))
	for i, d := range live {
		ids[i] = d.Id
	}
	return ids
}

// CountReachable counts reachable devices without evicting anything.
func (r *DeviceRegistry) CountReachable(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, d := range r.store {
		if now.Sub(d.LastSeen) < r.timeout {
			n++
		}
	}
	return n
}

// Get returns a copy of the record for id.
func (r *DeviceRegistry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.store[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// List returns copies of every record still held, reachable or not, in
// registration order.
func (r *DeviceRegistry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]Device, 0, len(r.store))
	for _, d := range r.store {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].seq < devices[j].seq })
	return devices
}

func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store)
}

// Advance applies ev to the device's state. Unknown ids are ignored.
func (r *DeviceRegistry) Advance(id string, ev StateEvent) (DeviceState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.store[id]
	if !ok {
		return StateIdle, false
	}
	d.State = Transition(d.State, ev)
	return d.State, true
}
