// Package dispatcher admits download requests, queues their tickets and fans
// them out to a pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/ownership"
	"github.com/JakeFAU/chapterd/internal/progress"
	"github.com/JakeFAU/chapterd/internal/worker"
)

// ErrInvalidRequest marks a start request that can never be queued.
var ErrInvalidRequest = errors.New("invalid start request")

// Queue is the bounded ticket queue the dispatcher feeds.
type Queue interface {
	download.TicketQueue
	Len() int
}

// Ack answers a stop request. Stops are always acknowledged.
type Ack struct {
	Acknowledged bool `json:"acknowledged"`
	WasActive    bool `json:"was_active"`
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	table   *ownership.Table
	workers []*worker.Worker
	ids     download.IDGenerator
	events  progress.Emitter
	clock   download.Clock
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue Queue,
	table *ownership.Table,
	workers []*worker.Worker,
	ids download.IDGenerator,
	events progress.Emitter,
	clock download.Clock,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.Discard{}
	}
	return &Dispatcher{
		queue:   queue,
		table:   table,
		workers: workers,
		ids:     ids,
		events:  events,
		clock:   clock,
		logger:  logger,
	}
}

// Run starts all workers and blocks until they return, which happens when ctx
// finishes or the queue is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx, d.queue, d)
		}(w)
	}
	wg.Wait()
}

// Enqueue validates req, reserves its work and queues the ticket.
func (d *Dispatcher) Enqueue(ctx context.Context, req download.StartRequest) (ownership.Decision, error) {
	work, err := download.SanitizeWorkName(req.Work)
	if err != nil {
		return ownership.Decision{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := validateURL(req.URL); err != nil {
		return ownership.Decision{}, err
	}
	if req.CoverURL != "" {
		if err := validateURL(req.CoverURL); err != nil {
			return ownership.Decision{}, err
		}
	}
	if req.ExpectedTotal < 0 || req.BatchSize < 0 {
		return ownership.Decision{}, fmt.Errorf("%w: expected_total and batch_size must not be negative", ErrInvalidRequest)
	}
	id, err := d.ids.NewID()
	if err != nil {
		return ownership.Decision{}, fmt.Errorf("assign ticket id: %w", err)
	}
	return d.submit(ctx, download.JobTicket{
		ID:            id,
		Work:          work,
		URL:           req.URL,
		CoverURL:      req.CoverURL,
		ForceURL:      req.ForceURL,
		ExpectedTotal: req.ExpectedTotal,
		BatchSize:     req.BatchSize,
		EnqueuedAt:    d.now(),
	})
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: parse url: %w", ErrInvalidRequest, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be absolute http(s)", ErrInvalidRequest, raw)
	}
	return nil
}

func (d *Dispatcher) submit(ctx context.Context, ticket download.JobTicket) (ownership.Decision, error) {
	dec := d.table.Reserve(ticket)
	switch {
	case !dec.Accepted:
		d.logger.Info("start rejected",
			zap.String("work", ticket.Work),
			zap.String("reason", string(dec.Reason)),
		)
		d.emit(progress.Event{
			Stage:    progress.StageJobRejected,
			Level:    progress.LevelWarning,
			Work:     ticket.Work,
			TicketID: ticket.ID,
			URL:      ticket.URL,
			Message:  string(dec.Reason),
		})
		return dec, nil
	case dec.Deferred:
		d.logger.Info("forced start waits for running ticket", zap.String("work", ticket.Work), zap.String("ticket_id", ticket.ID))
		d.emit(progress.Event{
			Stage:    progress.StageStopRequested,
			Work:     ticket.Work,
			TicketID: ticket.ID,
			Message:  "forced restart requested",
		})
		return dec, nil
	}

	if err := d.queue.Enqueue(ctx, ticket); err != nil {
		d.table.Abandon(ticket)
		return ownership.Decision{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("ticket queued",
		zap.String("work", ticket.Work),
		zap.String("ticket_id", ticket.ID),
		zap.Bool("continuation", ticket.Continuation),
	)
	d.emit(progress.Event{
		Stage:    progress.StageJobQueued,
		Work:     ticket.Work,
		TicketID: ticket.ID,
		URL:      ticket.URL,
	})
	return dec, nil
}

// Stop asks the holder of work to stop at its next checkpoint.
func (d *Dispatcher) Stop(work string) Ack {
	name, err := download.SanitizeWorkName(work)
	if err != nil {
		return Ack{Acknowledged: true}
	}
	wasActive := d.table.Stop(name)
	if wasActive {
		d.logger.Info("stop requested", zap.String("work", name))
		d.emit(progress.Event{Stage: progress.StageStopRequested, Work: name})
	}
	return Ack{Acknowledged: true, WasActive: wasActive}
}

// Claim implements worker.Scheduler.
func (d *Dispatcher) Claim(ticket download.JobTicket) (*ownership.Lease, error) {
	lease, err := d.table.Claim(ticket)
	if err != nil {
		return nil, fmt.Errorf("claim ticket: %w", err)
	}
	return lease, nil
}

// Finish implements worker.Scheduler. It releases the work and queues
// whichever ticket comes next for it: a waiting forced start first, else the
// run's continuation.
func (d *Dispatcher) Finish(ctx context.Context, lease *ownership.Lease, _ download.RunSummary, continuation *download.JobTicket) {
	if next := d.table.Release(lease); next != nil {
		if err := d.queue.Enqueue(ctx, *next); err != nil {
			d.table.Abandon(*next)
			d.logger.Error("queue forced ticket failed", zap.String("work", next.Work), zap.String("ticket_id", next.ID), zap.Error(err))
			return
		}
		d.emit(progress.Event{Stage: progress.StageJobQueued, Work: next.Work, TicketID: next.ID, URL: next.URL})
		return
	}
	if continuation == nil {
		return
	}
	if _, err := d.submit(ctx, *continuation); err != nil {
		d.logger.Error("queue continuation failed",
			zap.String("work", continuation.Work),
			zap.String("ticket_id", continuation.ID),
			zap.Error(err),
		)
	}
}

// QueueDepth reports how many tickets wait for a worker.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// Holders lists every reserved work.
func (d *Dispatcher) Holders() []ownership.Holder {
	return d.table.Active()
}

func (d *Dispatcher) now() time.Time {
	if d.clock == nil {
		return time.Now().UTC()
	}
	return d.clock.Now()
}

func (d *Dispatcher) emit(evt progress.Event) {
	evt.TS = d.now()
	d.events.Publish(evt)
}
