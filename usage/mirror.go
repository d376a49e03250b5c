// Package usage keeps per-device daily usage totals reported by clients.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/neutralgate"
)

// DefaultRetention is how many days of totals are kept.
const DefaultRetention = 7

// DefaultMaxRequestIDs bounds the remembered request ids. Past it the oldest id is
// forgotten first.
const DefaultMaxRequestIDs = 100_000

// Increment is one client usage report.
type Increment struct {
	DeviceID   string
	RequestID  string
	Date       string
	Increments map[string]int64
}

// Snapshot is the state of one device and day after an increment.
type Snapshot struct {
	DeviceID  string
	Date      string
	Totals    map[string]int64
	Duplicate bool
}

// Mirror tracks per-device, per-date counters with request-id deduplication.
type Mirror struct {
	mu        sync.Mutex
	devices   map[string]map[string]map[string]int64 // device -> date -> counter -> total
	seen      map[string]time.Time                   // device/request -> first seen
	order     []seenEntry                            // insertion order of seen
	maxSeen   int
	retention int
	lastPrune string
	now       func() time.Time
}

type seenEntry struct {
	key string
	at  time.Time
}

// Option configures Mirror.
type Option func(*Mirror)

// WithRetention sets how many days of totals are kept.
func WithRetention(days int) Option {
	return func(m *Mirror) { m.retention = days }
}

// WithMaxRequestIDs bounds how many request ids are remembered for deduplication.
func WithMaxRequestIDs(n int) Option {
	return func(m *Mirror) { m.maxSeen = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// NewMirror creates an empty Mirror.
func NewMirror(opts ...Option) *Mirror {
	m := &Mirror{
		devices:   make(map[string]map[string]map[string]int64),
		seen:      make(map[string]time.Time),
		retention: DefaultRetention,
		maxSeen:   DefaultMaxRequestIDs,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.retention < 1 {
		m.retention = 1
	}
	if m.maxSeen < 1 {
		m.maxSeen = DefaultMaxRequestIDs
	}
	return m
}

// Apply adds inc to the device's totals for its date. A request id already applied
// for the device returns the current totals with Duplicate set and changes nothing.
func (m *Mirror) Apply(inc Increment) (Snapshot, error) {
	if inc.DeviceID == "" {
		return Snapshot{}, fmt.Errorf("%w: deviceId is required", neutralgate.ErrInvalidRequest)
	}
	if inc.RequestID == "" {
		return Snapshot{}, fmt.Errorf("%w: requestId is required", neutralgate.ErrInvalidRequest)
	}
	for name, n := range inc.Increments {
		if name == "" || n < 0 {
			return Snapshot{}, fmt.Errorf("%w: increments must be non-negative", neutralgate.ErrInvalidRequest)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.checkPrune(now)

	date := inc.Date
	if date == "" {
		date = neutralgate.DayKey(now)
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return Snapshot{}, fmt.Errorf("%w: date must be YYYY-MM-DD", neutralgate.ErrInvalidRequest)
	}

	dedupKey := inc.DeviceID + "/" + inc.RequestID
	if _, dup := m.seen[dedupKey]; dup {
		return m.snapshot(inc.DeviceID, date, true), nil
	}
	for len(m.seen) >= m.maxSeen && len(m.order) > 0 {
		m.dropOldest()
	}
	m.seen[dedupKey] = now
	m.order = append(m.order, seenEntry{key: dedupKey, at: now})

	days, ok := m.devices[inc.DeviceID]
	if !ok {
		days = make(map[string]map[string]int64)
		m.devices[inc.DeviceID] = days
	}
	totals, ok := days[date]
	if !ok {
		totals = make(map[string]int64)
		days[date] = totals
	}
	for name, n := range inc.Increments {
		totals[name] += n
	}

	return m.snapshot(inc.DeviceID, date, false), nil
}

// Totals returns a copy of the device's totals for date.
func (m *Mirror) Totals(deviceID, date string) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(deviceID, date, false).Totals
}

// RememberedRequestIDs reports how many request ids are held for deduplication.
func (m *Mirror) RememberedRequestIDs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Mirror) snapshot(deviceID, date string, dup bool) Snapshot {
	out := make(map[string]int64)
	for k, v := range m.devices[deviceID][date] {
		out[k] = v
	}
	return Snapshot{DeviceID: deviceID, Date: date, Totals: out, Duplicate: dup}
}

// checkPrune drops dates and request ids older than the retention window once per
// UTC day. Must be called with lock held.
func (m *Mirror) checkPrune(now time.Time) {
	today := neutralgate.DayKey(now)
	if today == m.lastPrune {
		return
	}
	m.lastPrune = today

	cutoff := now.UTC().AddDate(0, 0, -m.retention)
	cutoffKey := neutralgate.DayKey(cutoff)

	for device, days := range m.devices {
		for date := range days {
			if date < cutoffKey {
				delete(days, date)
			}
		}
		if len(days) == 0 {
			delete(m.devices, device)
		}
	}
	for len(m.order) > 0 && m.order[0].at.Before(cutoff) {
		m.dropOldest()
	}
}

// dropOldest forgets the oldest remembered request id. Must be called with lock held.
func (m *Mirror) dropOldest() {
	e := m.order[0]
	m.order[0] = seenEntry{}
	m.order = m.order[1:]
	if at, ok := m.seen[e.key]; ok && at.Equal(e.at) {
		delete(m.seen, e.key)
	}
}
