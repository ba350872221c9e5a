package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan download.JobTicket, 1)
	errCh := make(chan error, 1)

	go func() {
		ticket, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- ticket
	}()

	if err := q.Enqueue(context.Background(), download.JobTicket{ID: "t-1", Work: "solo"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.ID != "t-1" || got.Work != "solo" {
			t.Fatalf("unexpected ticket %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return ticket")
	}
}

func TestQueueLenTracksWaitingTickets(t *testing.T) {
	t.Parallel()

	q := NewQueue(3)
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(context.Background(), download.JobTicket{ID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 waiting, got %d", q.Len())
	}
	if got, _ := q.Dequeue(context.Background()); got.ID != "a" {
		t.Fatalf("expected FIFO order, got %s", got.ID)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 waiting, got %d", q.Len())
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), download.JobTicket{ID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, download.JobTicket{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsThenFails(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), download.JobTicket{ID: "left"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	if err := q.Enqueue(context.Background(), download.JobTicket{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on enqueue, got %v", err)
	}
	if got, err := q.Dequeue(context.Background()); err != nil || got.ID != "left" {
		t.Fatalf("expected buffered ticket, got %+v err=%v", got, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected queue closed error, got %v", err)
	}
	// Closing twice should be safe.
	q.Close()
}
