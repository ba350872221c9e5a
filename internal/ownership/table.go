// Package ownership guarantees that at most one ticket per work is queued or
// running at any time.
package ownership

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
)

// Reason explains a rejected reservation.
type Reason string

// Rejection reasons.
const (
	ReasonAlreadyActive Reason = "already_active"
	ReasonAlreadyQueued Reason = "already_queued"
)

// ErrSuperseded is returned by Claim for a ticket that no longer owns its work.
var ErrSuperseded = errors.New("ticket superseded")

// Decision is the outcome of Reserve.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	// Deferred means the ticket displaced a running holder and will be
	// handed back by Release instead of being queued now.
	Deferred bool `json:"deferred,omitempty"`
}

// Phase is where a reservation currently is.
type Phase string

// Reservation phases.
const (
	PhaseQueued Phase = "queued"
	PhaseActive Phase = "active"
)

// Holder describes one reservation for the status surface.
type Holder struct {
	Work          string    `json:"work"`
	TicketID      string    `json:"ticket_id"`
	Phase         Phase     `json:"phase"`
	Since         time.Time `json:"since"`
	StopRequested bool      `json:"stop_requested"`
	PendingTicket string    `json:"pending_ticket,omitempty"`
}

type entry struct {
	ticket  download.JobTicket
	phase   Phase
	since   time.Time
	stop    *atomic.Bool
	pending *download.JobTicket
}

// Table is the single-owner registry. All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New builds an empty table. A nil clock uses time.Now.
func New(clock download.Clock) *Table {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	return &Table{entries: make(map[string]*entry), now: now}
}

// Reserve admits ticket unless its work is already reserved. A forced ticket
// always wins: a queued holder is replaced, a running holder is asked to
// stop and the forced ticket waits for its release.
func (t *Table) Reserve(ticket download.JobTicket) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ticket.Work]
	if !ok {
		t.entries[ticket.Work] = &entry{ticket: ticket, phase: PhaseQueued, since: t.now(), stop: new(atomic.Bool)}
		return Decision{Accepted: true, TicketID: ticket.ID}
	}
	if !ticket.ForceURL {
		reason := ReasonAlreadyQueued
		if e.phase == PhaseActive {
			reason = ReasonAlreadyActive
		}
		return Decision{Reason: reason}
	}
	if e.phase == PhaseQueued {
		e.ticket, e.since = ticket, t.now()
		e.stop.Store(false)
		return Decision{Accepted: true, TicketID: ticket.ID}
	}
	e.stop.Store(true)
	forced := ticket
	e.pending = &forced
	return Decision{Accepted: true, TicketID: ticket.ID, Deferred: true}
}

// Abandon drops a queued reservation whose ticket never reached the queue.
func (t *Table) Abandon(ticket download.JobTicket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[ticket.Work]; ok && e.phase == PhaseQueued && e.ticket.ID == ticket.ID {
		delete(t.entries, ticket.Work)
	}
}

// Claim moves a queued ticket to active and hands out its lease.
func (t *Table) Claim(ticket download.JobTicket) (*Lease, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[ticket.Work]
	if !ok || e.ticket.ID != ticket.ID {
		return nil, fmt.Errorf("claim %s for %q: %w", ticket.ID, ticket.Work, ErrSuperseded)
	}
	if e.phase == PhaseActive {
		return nil, fmt.Errorf("claim %s for %q: already active", ticket.ID, ticket.Work)
	}
	e.phase, e.since = PhaseActive, t.now()
	return &Lease{work: ticket.Work, ticketID: ticket.ID, stop: e.stop}, nil
}

// Stop raises the cooperative stop flag of work. It reports whether anything
// was reserved. A forced ticket waiting on the holder is dropped as well.
func (t *Table) Stop(work string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[work]
	if !ok {
		return false
	}
	e.stop.Store(true)
	e.pending = nil
	return true
}

// Release ends lease. When a forced ticket was waiting, it becomes the new
// queued reservation and is returned so the caller can enqueue it.
func (t *Table) Release(lease *Lease) *download.JobTicket {
	if lease == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[lease.work]
	if !ok || e.ticket.ID != lease.ticketID {
		return nil
	}
	if e.pending == nil {
		delete(t.entries, lease.work)
		return nil
	}
	next := *e.pending
	t.entries[lease.work] = &entry{ticket: next, phase: PhaseQueued, since: t.now(), stop: new(atomic.Bool)}
	return &next
}

// Active lists every reservation ordered by work name.
func (t *Table) Active() []Holder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Holder, 0, len(t.entries))
	for work, e := range t.entries {
		h := Holder{
			Work:          work,
			TicketID:      e.ticket.ID,
			Phase:         e.phase,
			Since:         e.since,
			StopRequested: e.stop.Load(),
		}
		if e.pending != nil {
			h.PendingTicket = e.pending.ID
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Work < out[j].Work })
	return out
}

// Lease is held by the worker running a ticket.
type Lease struct {
	work     string
	ticketID string
	stop     *atomic.Bool
}

// Work returns the leased work name.
func (l *Lease) Work() string { return l.work }

// TicketID returns the leased ticket id.
func (l *Lease) TicketID() string { return l.ticketID }

// StopRequested reports whether the holder was asked to stop.
func (l *Lease) StopRequested() bool {
	return l != nil && l.stop.Load()
}
