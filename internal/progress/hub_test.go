package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Publish(sampleEvent(StageJobQueued))
	hub.Publish(sampleEvent(StageJobQueued))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Publish(sampleEvent(StageJobQueued))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubPublishDropsOldestWhenFull keeps the newest events when nobody drains the buffer.
func TestHubPublishDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event, 2),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for _, msg := range []string{"first", "second", "third"} {
		evt := sampleEvent(StageJobQueued)
		evt.Message = msg
		hub.Publish(evt)
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.Dropped())

	assert.Equal(t, "second", (<-hub.events).Message)
	assert.Equal(t, "third", (<-hub.events).Message)
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Publish(sampleEvent(StageJobQueued))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)
}

func TestHubRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Publish(Event{Stage: StageJobQueued})
	hub.Publish(Event{Work: "w", Stage: "bogus"})
	hub.Publish(Event{Work: "w", Stage: StageSnapshotSaved})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubSequenceIsMonotonic(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1000, MaxBatchWait: time.Minute}, sink)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				hub.Publish(sampleEvent(StageImageSucceeded))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, hub.Close(context.Background()))

	var all []Event
	for _, b := range sink.Batches() {
		all = append(all, b...)
	}
	require.Len(t, all, 100)
	for i, evt := range all {
		assert.EqualValues(t, i+1, evt.Seq)
	}
	assert.EqualValues(t, 100, hub.CurrentStatus().LastSeq)
}

func TestSubscribeSeesOnlyLaterEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{MaxBatchWait: time.Millisecond})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Publish(sampleEvent(StageJobQueued))
	require.Eventually(t, func() bool { return hub.CurrentStatus().LastSeq == 1 }, time.Second, time.Millisecond)

	sub := hub.Subscribe(context.Background())
	defer sub.Close()
	started := sampleEvent(StageJobStarted)
	started.TicketID = "t-1"
	hub.Publish(started)

	select {
	case evt := <-sub.C():
		assert.Equal(t, StageJobStarted, evt.Stage)
		assert.EqualValues(t, 2, evt.Seq)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestSubscriptionAllStopsWithContext(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx)

	got := make(chan []Stage, 1)
	go func() {
		var stages []Stage
		for evt := range sub.All() {
			stages = append(stages, evt.Stage)
			if len(stages) == 2 {
				cancel()
			}
		}
		got <- stages
	}()

	hub.Publish(sampleEvent(StageJobQueued))
	hub.Publish(sampleEvent(StageJobRejected))

	select {
	case stages := <-got:
		assert.Equal(t, []Stage{StageJobQueued, StageJobRejected}, stages)
	case <-time.After(time.Second):
		t.Fatal("iteration did not end after cancel")
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{SubscriberBuffer: 2})
	sub := hub.Subscribe(context.Background())

	for _, msg := range []string{"a", "b", "c", "d"} {
		evt := sampleEvent(StageJobQueued)
		evt.Message = msg
		hub.Publish(evt)
	}
	require.Eventually(t, func() bool { return hub.CurrentStatus().LastSeq == 4 }, time.Second, time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))

	var msgs []string
	for evt := range sub.All() {
		msgs = append(msgs, evt.Message)
	}
	assert.Equal(t, []string{"c", "d"}, msgs)
	assert.EqualValues(t, 2, sub.Dropped())
}

func TestSubscribeAfterCloseIsClosed(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	require.NoError(t, hub.Close(context.Background()))
	sub := hub.Subscribe(context.Background())
	_, open := <-sub.C()
	assert.False(t, open)
	sub.Close()
}

func TestCurrentStatusProjection(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{MaxLogs: 3})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	snap := download.NewSnapshot("solo", "https://r/c/1", time.Unix(0, 0))
	summary := download.RunSummary{Work: "solo", TicketID: "t-1", Status: download.RunCompleted}
	events := []Event{
		{Work: "solo", TicketID: "t-1", Stage: StageJobStarted, Message: "started"},
		{Work: "solo", Stage: StageChapterStarted, Chapter: 1, URL: "https://r/c/1"},
		{Work: "solo", Stage: StageChapterExtracted, Chapter: 1, Total: 3},
		{Work: "solo", Stage: StageImageSucceeded, Chapter: 1, Image: 1},
		{Work: "solo", Stage: StageImageFailed, Chapter: 1, Image: 2, Level: LevelWarning, ErrorClass: ClassExhausted},
		{Work: "solo", Stage: StageSnapshotSaved, Snapshot: &snap},
		{Work: "solo", Stage: StageStopRequested},
	}
	for _, evt := range events {
		hub.Publish(evt)
	}
	require.Eventually(t, func() bool { return hub.CurrentStatus().LastSeq == uint64(len(events)) }, time.Second, time.Millisecond)

	st := hub.CurrentStatus()
	require.Equal(t, StateStopping, st.State)
	require.Len(t, st.Active, 1)
	job := st.Active[0]
	assert.Equal(t, 1, job.Chapter)
	assert.Equal(t, 3, job.ImagesTotal)
	assert.Equal(t, 1, job.ImagesDone)
	assert.Equal(t, 1, job.ImagesFailed)
	assert.Equal(t, "https://r/c/1", st.Snapshots["solo"].Work.StartURL)
	require.Len(t, st.Logs, 3, "ring keeps the last MaxLogs lines")
	assert.Equal(t, StageStopRequested, st.Logs[2].Stage)

	st.Snapshots["solo"] = download.ProgressSnapshot{}
	assert.Equal(t, "solo", hub.CurrentStatus().Snapshots["solo"].Work.Name, "status copies are independent")

	hub.Publish(Event{Work: "solo", TicketID: "t-1", Stage: StageJobFinished, Summary: &summary})
	require.Eventually(t, func() bool { return hub.CurrentStatus().State == StateIdle }, time.Second, time.Millisecond)
	assert.Equal(t, download.RunCompleted, hub.CurrentStatus().Summaries["solo"].Status)
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ClassNone, ClassOf(nil))
	assert.Equal(t, ClassAuth, ClassOf(download.ErrAuthExpired))
	assert.Equal(t, ClassCanceled, ClassOf(context.Canceled))
	assert.Equal(t, ClassPermanent, ClassOf(download.ErrMalformedContent))
	assert.Equal(t, ClassExhausted, ClassOf(&download.ExhaustedError{Attempts: 3, Last: download.ErrTransient}))
	assert.Equal(t, ClassCorruptState, ClassOf(&download.CorruptStateError{Work: "w", Err: download.ErrTransient}))
	assert.Equal(t, ClassTransient, ClassOf(download.ErrTransient))
}

func TestSlowSinkDoesNotStallSubscribers(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{release: make(chan struct{})}
	hub := NewHub(Config{
		MaxBatchEvents: 1,
		SinkQueue:      1,
		SinkTimeout:    time.Minute,
	}, sink)
	sub := hub.Subscribe(context.Background())

	for range 3 {
		hub.Publish(sampleEvent(StageJobQueued))
	}
	for i := 1; i <= 3; i++ {
		select {
		case evt := <-sub.C():
			assert.EqualValues(t, i, evt.Seq)
		case <-time.After(time.Second):
			t.Fatalf("event %d stuck behind the sink", i)
		}
	}
	assert.EqualValues(t, 3, hub.CurrentStatus().LastSeq)
	require.Eventually(t, func() bool { return hub.SinkDropped() >= 1 }, time.Second, 5*time.Millisecond)

	close(sink.release)
	require.NoError(t, hub.Close(context.Background()))
	assert.GreaterOrEqual(t, sink.calls.Load(), int32(1))
	assert.True(t, sink.closed.Load())
}

type blockingSink struct {
	release chan struct{}
	calls   atomic.Int32
	closed  atomic.Bool
}

func (s *blockingSink) Consume(ctx context.Context, _ []Event) error {
	s.calls.Add(1)
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSink) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	return Event{
		TS:       time.Now(),
		Stage:    stage,
		Work:     "solo",
		TicketID: "t-1",
	}
}
