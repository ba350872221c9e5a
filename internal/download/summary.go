package download

import "time"

// RunStatus is the outcome of one run over a work.
type RunStatus string

// Run outcomes.
const (
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunCapped    RunStatus = "capped"
	RunFailed    RunStatus = "failed"
)

// StopReason explains why a run ended.
type StopReason string

// Stop reasons recorded on summaries and snapshots.
const (
	ReasonNoNextChapter   StopReason = "no_next_chapter"
	ReasonAlreadyComplete StopReason = "already_complete"
	ReasonStopRequested   StopReason = "stop_requested"
	ReasonExpectedTotal   StopReason = "expected_total"
	ReasonBatchSize       StopReason = "batch_size"
	ReasonNavigationLoop  StopReason = "navigation_loop"
	ReasonNavigation      StopReason = "navigation_error"
	ReasonCredentials     StopReason = "invalid_credentials"
	ReasonCorruptState    StopReason = "corrupt_state"
	ReasonShutdown        StopReason = "shutdown"
	ReasonInternal        StopReason = "internal_error"
)

// RunTotals are the counters accumulated during a run.
type RunTotals struct {
	ChaptersCompleted int
	ImagesSucceeded   int
	ImagesFailed      int
	ImagesSkipped     int
}

// RunSummary is written once when a run ends and never modified.
type RunSummary struct {
	Work              string        `json:"work"`
	TicketID          string        `json:"ticket_id"`
	Status            RunStatus     `json:"status"`
	StopReason        StopReason    `json:"stop_reason"`
	ChaptersCompleted int           `json:"chapters_completed"`
	ImagesSucceeded   int           `json:"images_succeeded"`
	ImagesFailed      int           `json:"images_failed"`
	ImagesSkipped     int           `json:"images_skipped"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Elapsed           time.Duration `json:"elapsed_ns"`
	ErrorRate         float64       `json:"error_rate"`
	ResumeURL         string        `json:"resume_url,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// NewRunSummary derives elapsed time and error rate from the totals.
func NewRunSummary(
	ticket JobTicket,
	status RunStatus,
	reason StopReason,
	totals RunTotals,
	started, finished time.Time,
	resumeURL string,
	cause error,
) RunSummary {
	summary := RunSummary{
		Work:              ticket.Work,
		TicketID:          ticket.ID,
		Status:            status,
		StopReason:        reason,
		ChaptersCompleted: totals.ChaptersCompleted,
		ImagesSucceeded:   totals.ImagesSucceeded,
		ImagesFailed:      totals.ImagesFailed,
		ImagesSkipped:     totals.ImagesSkipped,
		StartedAt:         started,
		FinishedAt:        finished,
		Elapsed:           finished.Sub(started),
		ResumeURL:         resumeURL,
	}
	if attempted := totals.ImagesSucceeded + totals.ImagesFailed; attempted > 0 {
		summary.ErrorRate = float64(totals.ImagesFailed) / float64(attempted)
	}
	if cause != nil {
		summary.Error = cause.Error()
	}
	return summary
}
