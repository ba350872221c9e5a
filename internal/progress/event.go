package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/retry"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported progress stages.
const (
	StageJobQueued     Stage = "job_queued"
	StageJobRejected   Stage = "job_rejected"
	StageJobStarted    Stage = "job_started"
	StageJobFinished   Stage = "job_finished"
	StageStopRequested Stage = "stop_requested"

	StageNavigatorState Stage = "navigator_state"
	StageAuthStarted    Stage = "auth_started"
	StageAuthSucceeded  Stage = "auth_succeeded"
	StageAuthFailed     Stage = "auth_failed"

	StageChapterStarted   Stage = "chapter_started"
	StageChapterExtracted Stage = "chapter_extracted"
	StageChapterCompleted Stage = "chapter_completed"

	StageImageRetry     Stage = "image_retry"
	StageImageSucceeded Stage = "image_succeeded"
	StageImageFailed    Stage = "image_failed"
	StageImageSkipped   Stage = "image_skipped"

	StageSnapshotSaved Stage = "snapshot_saved"
	StageCoverSaved    Stage = "cover_saved"
)

var knownStages = map[Stage]struct{}{
	StageJobQueued: {}, StageJobRejected: {}, StageJobStarted: {}, StageJobFinished: {}, StageStopRequested: {},
	StageNavigatorState: {}, StageAuthStarted: {}, StageAuthSucceeded: {}, StageAuthFailed: {},
	StageChapterStarted: {}, StageChapterExtracted: {}, StageChapterCompleted: {},
	StageImageRetry: {}, StageImageSucceeded: {}, StageImageFailed: {}, StageImageSkipped: {},
	StageSnapshotSaved: {}, StageCoverSaved: {},
}

// Level is the operator-facing severity.
type Level string

// Event levels.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// ErrorClass tells "temporary, will retry" apart from "stopped, needs attention".
type ErrorClass string

// Error classes carried by failure events.
const (
	ClassNone         ErrorClass = ""
	ClassTransient    ErrorClass = "transient"
	ClassAuth         ErrorClass = "auth"
	ClassPermanent    ErrorClass = "permanent"
	ClassCanceled     ErrorClass = "canceled"
	ClassCorruptState ErrorClass = "corrupt_state"
	ClassExhausted    ErrorClass = "exhausted"
)

// ClassOf maps an error onto the event vocabulary.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, download.ErrCorruptState):
		return ClassCorruptState
	case errors.Is(err, download.ErrRetryExhausted):
		return ClassExhausted
	}
	switch retry.Classify(err) {
	case retry.Auth:
		return ClassAuth
	case retry.Canceled:
		return ClassCanceled
	case retry.Permanent:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Event is one transition of a job, its navigator or one of its images.
type Event struct {
	// Seq is stamped by the hub; it increases by one per accepted event.
	Seq uint64 `json:"seq"`
	// TS is the emitter's timestamp, filled by the hub when zero.
	TS       time.Time `json:"ts"`
	Stage    Stage     `json:"stage"`
	Level    Level     `json:"level"`
	Work     string    `json:"work"`
	TicketID string    `json:"ticket_id,omitempty"`
	Chapter  int       `json:"chapter,omitempty"`
	// Image is the 1-based image index within Chapter.
	Image int    `json:"image,omitempty"`
	URL   string `json:"url,omitempty"`
	// Total is the image count of a freshly extracted chapter.
	Total      int        `json:"total,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Bytes      int64      `json:"bytes,omitempty"`
	State      string     `json:"state,omitempty"`
	Message    string     `json:"message,omitempty"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`

	Snapshot *download.ProgressSnapshot `json:"snapshot,omitempty"`
	Summary  *download.RunSummary       `json:"summary,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.Work == "" {
		return errors.New("work is required")
	}
	if _, ok := knownStages[e.Stage]; !ok {
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	switch e.Stage {
	case StageSnapshotSaved:
		if e.Snapshot == nil {
			return errors.New("snapshot_saved requires a snapshot")
		}
	case StageJobFinished:
		if e.Summary == nil {
			return errors.New("job_finished requires a summary")
		}
	}
	if e.Chapter < 0 || e.Image < 0 {
		return errors.New("chapter and image must be >= 0")
	}
	return nil
}
