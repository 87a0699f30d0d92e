// Package events records what the ledger did. Services publish one Event per
// committed state change; the Log keeps a bounded history and forwards each
// event to live sinks such as the WebSocket hub.
package events

import (
	"sync"

	"github.com/mbd888/recurra/internal/metrics"
)

// Kind names an event.
type Kind string

const (
	FacetCut             Kind = "facet_cut"
	OwnershipProposed    Kind = "ownership_proposed"
	OwnershipTransferred Kind = "ownership_transferred"
	OwnershipCancelled   Kind = "ownership_cancelled"
	PlatformInitialized  Kind = "platform_initialized"
	PlatformUpdated      Kind = "platform_updated"
	TenantRegistered     Kind = "tenant_registered"
	TenantUpdated        Kind = "tenant_updated"
	TenantDeleted        Kind = "tenant_deleted"
	TierAdded            Kind = "tier_added"
	TierEdited           Kind = "tier_edited"
	CeilingSet           Kind = "ceiling_set"
	Subscribed           Kind = "subscribed"
	Upgraded             Kind = "upgraded"
	Downgraded           Kind = "downgraded"
	Renewed              Kind = "renewed"
	Paid                 Kind = "paid"
	ReferralSet          Kind = "referral_set"
)

// Event is one committed state change. Amounts in Data are decimal strings.
type Event struct {
	Seq      uint64            `json:"seq"`
	Kind     Kind              `json:"kind"`
	TenantID uint64            `json:"tenantId,omitempty"`
	Account  string            `json:"account,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Time     int64             `json:"time"`
}

// Sink receives events. Publish must not block.
type Sink interface {
	Publish(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// DefaultCapacity is the number of events a Log retains.
const DefaultCapacity = 4096

// Log is an in-memory ring of recent events that also forwards to sinks.
type Log struct {
	mu      sync.RWMutex
	buf     []Event
	next    int
	full    bool
	seq     uint64
	forward []Sink
}

// NewLog creates a log holding up to capacity events.
func NewLog(capacity int, forward ...Sink) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Event, capacity), forward: forward}
}

// AddSink forwards future events to s.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.forward = append(l.forward, s)
	l.mu.Unlock()
}

// Publish assigns the next sequence number and stores e.
func (l *Log) Publish(e Event) {
	l.mu.Lock()
	l.seq++
	e.Seq = l.seq
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	sinks := l.forward
	l.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(e.Kind)).Inc()
	for _, s := range sinks {
		s.Publish(e)
	}
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	After    uint64
	TenantID uint64
	Account  string
	Limit    int
}

// Query returns retained events matching f, oldest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ordered []Event
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
	}
	ordered = append(ordered, l.buf[:l.next]...)

	out := make([]Event, 0)
	for _, e := range ordered {
		if e.Seq <= f.After {
			continue
		}
		if f.TenantID != 0 && e.TenantID != f.TenantID {
			continue
		}
		if f.Account != "" && e.Account != f.Account {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (l *Log) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

var (
	_ Sink = Nop{}
	_ Sink = (*Log)(nil)
)
