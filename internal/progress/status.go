package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/chapterd/internal/download"
)

// State is the coarse state of the whole service.
type State string

// Service states.
const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ActiveJob is the in-flight view of one running ticket.
type ActiveJob struct {
	Work           string    `json:"work"`
	TicketID       string    `json:"ticket_id"`
	StartedAt      time.Time `json:"started_at"`
	Chapter        int       `json:"chapter"`
	ChapterURL     string    `json:"chapter_url,omitempty"`
	ImagesDone     int       `json:"images_done"`
	ImagesFailed   int       `json:"images_failed"`
	ImagesTotal    int       `json:"images_total"`
	NavigatorState string    `json:"navigator_state,omitempty"`
	StopRequested  bool      `json:"stop_requested"`
}

// LogLine is one entry of the recent-activity ring.
type LogLine struct {
	Seq        uint64     `json:"seq"`
	TS         time.Time  `json:"ts"`
	Level      Level      `json:"level"`
	Stage      Stage      `json:"stage"`
	Work       string     `json:"work"`
	Message    string     `json:"message"`
	ErrorClass ErrorClass `json:"error_class,omitempty"`
}

// Status is the projection served to the request surface.
type Status struct {
	State     State                                `json:"state"`
	Active    []ActiveJob                          `json:"active"`
	Snapshots map[string]download.ProgressSnapshot `json:"snapshots"`
	Summaries map[string]download.RunSummary       `json:"summaries"`
	Logs      []LogLine                            `json:"logs"`
	LastSeq   uint64                               `json:"last_seq"`
	Dropped   int64                                `json:"dropped"`
}

type statusView struct {
	mu        sync.RWMutex
	active    map[string]*ActiveJob
	snapshots map[string]download.ProgressSnapshot
	summaries map[string]download.RunSummary
	ring      []LogLine
	next      int
	full      bool
}

func newStatusView(maxLogs int) *statusView {
	return &statusView{
		active:    make(map[string]*ActiveJob),
		snapshots: make(map[string]download.ProgressSnapshot),
		summaries: make(map[string]download.RunSummary),
		ring:      make([]LogLine, maxLogs),
	}
}

func (v *statusView) apply(evt Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	job := v.active[evt.Work]
	switch evt.Stage {
	case StageJobStarted:
		v.active[evt.Work] = &ActiveJob{Work: evt.Work, TicketID: evt.TicketID, StartedAt: evt.TS}
	case StageStopRequested:
		if job != nil {
			job.StopRequested = true
		}
	case StageNavigatorState:
		if job != nil {
			job.NavigatorState = evt.State
		}
	case StageChapterStarted:
		if job != nil {
			job.Chapter, job.ChapterURL = evt.Chapter, evt.URL
			job.ImagesDone, job.ImagesFailed, job.ImagesTotal = 0, 0, 0
		}
	case StageChapterExtracted:
		if job != nil {
			job.ImagesTotal = evt.Total
		}
	case StageImageSucceeded, StageImageSkipped:
		if job != nil {
			job.ImagesDone++
		}
	case StageImageFailed:
		if job != nil {
			job.ImagesFailed++
		}
	case StageSnapshotSaved:
		v.snapshots[evt.Work] = evt.Snapshot.Clone()
	case StageJobFinished:
		if job != nil && (evt.TicketID == "" || job.TicketID == evt.TicketID) {
			delete(v.active, evt.Work)
		}
		v.summaries[evt.Work] = *evt.Summary
	}

	if line, ok := logLineFor(evt); ok {
		v.ring[v.next] = line
		v.next = (v.next + 1) % len(v.ring)
		if v.next == 0 {
			v.full = true
		}
	}
}

// logLineFor turns an event into a ring entry. High-volume bookkeeping
// events without a message stay out of the ring.
func logLineFor(evt Event) (LogLine, bool) {
	msg := evt.Message
	if msg == "" {
		switch evt.Stage {
		case StageSnapshotSaved, StageNavigatorState, StageImageSucceeded, StageImageSkipped:
			return LogLine{}, false
		}
		msg = string(evt.Stage)
		if evt.Chapter > 0 {
			msg = fmt.Sprintf("%s chapter=%d", msg, evt.Chapter)
		}
		if evt.Image > 0 {
			msg = fmt.Sprintf("%s image=%d", msg, evt.Image)
		}
	}
	return LogLine{
		Seq:        evt.Seq,
		TS:         evt.TS,
		Level:      evt.Level,
		Stage:      evt.Stage,
		Work:       evt.Work,
		Message:    msg,
		ErrorClass: evt.ErrorClass,
	}, true
}

func (v *statusView) snapshot() Status {
	v.mu.RLock()
	defer v.mu.RUnlock()

	st := Status{
		State:     StateIdle,
		Active:    make([]ActiveJob, 0, len(v.active)),
		Snapshots: make(map[string]download.ProgressSnapshot, len(v.snapshots)),
		Summaries: make(map[string]download.RunSummary, len(v.summaries)),
	}
	for _, job := range v.active {
		st.Active = append(st.Active, *job)
		if st.State != StateStopping {
			st.State = StateRunning
		}
		if job.StopRequested {
			st.State = StateStopping
		}
	}
	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].Work < st.Active[j].Work })
	for work, snap := range v.snapshots {
		st.Snapshots[work] = snap.Clone()
	}
	for work, sum := range v.summaries {
		st.Summaries[work] = sum
	}

	if v.full {
		st.Logs = make([]LogLine, 0, len(v.ring))
		st.Logs = append(st.Logs, v.ring[v.next:]...)
		st.Logs = append(st.Logs, v.ring[:v.next]...)
	} else {
		st.Logs = append([]LogLine(nil), v.ring[:v.next]...)
	}
	return st
}
