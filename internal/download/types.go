package download

import (
	"net/http"
	"time"

	"go.uber.org/zap/zapcore"
)

// ImageState is the lifecycle state of one image inside a chapter.
type ImageState string

// Image states persisted in chapter records.
const (
	ImagePending   ImageState = "pending"
	ImageSucceeded ImageState = "succeeded"
	ImageFailed    ImageState = "failed"
)

// ChapterQuality grades a chapter by how many images the page exposed.
type ChapterQuality string

// Chapter quality values.
const (
	QualityOK      ChapterQuality = "ok"
	QualityPartial ChapterQuality = "partial"
	QualityBroken  ChapterQuality = "broken"
)

// Work is a named collection of chapters being downloaded.
type Work struct {
	Name          string    `json:"name"`
	StartURL      string    `json:"start_url"`
	CurrentURL    string    `json:"current_url"`
	ExpectedTotal int       `json:"expected_total,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ImageStatus tracks one image of a chapter.
type ImageStatus struct {
	Index     int        `json:"index"`
	URL       string     `json:"url"`
	File      string     `json:"file"`
	State     ImageState `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Bytes     int64      `json:"bytes,omitempty"`
}

// Settled reports whether the image reached a terminal state.
func (s ImageStatus) Settled() bool {
	return s.State == ImageSucceeded || s.State == ImageFailed
}

// ChapterRecord is one chapter within a work.
type ChapterRecord struct {
	Index       int            `json:"index"`
	URL         string         `json:"url"`
	Images      []ImageStatus  `json:"images"`
	Complete    bool           `json:"complete"`
	Quality     ChapterQuality `json:"quality,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Settled reports whether every image is succeeded or failed.
func (c ChapterRecord) Settled() bool {
	for _, img := range c.Images {
		if !img.Settled() {
			return false
		}
	}
	return true
}

// Counts returns succeeded and failed image totals.
func (c ChapterRecord) Counts() (succeeded, failed int) {
	for _, img := range c.Images {
		switch img.State {
		case ImageSucceeded:
			succeeded++
		case ImageFailed:
			failed++
		}
	}
	return succeeded, failed
}

// FailedImage is one entry of the failed-image ledger.
type FailedImage struct {
	Chapter  int    `json:"chapter"`
	Image    int    `json:"image"`
	URL      string `json:"url"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// ProgressSnapshot is the durable projection of a work.
type ProgressSnapshot struct {
	Work                 Work            `json:"work"`
	LastCompletedChapter int             `json:"last_completed_chapter"`
	Chapters             []ChapterRecord `json:"chapters"`
	FailedImages         []FailedImage   `json:"failed_images"`
	Succeeded            int             `json:"succeeded"`
	Failed               int             `json:"failed"`
	Finished             bool            `json:"finished"`
	StopReason           StopReason      `json:"stop_reason,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// NewSnapshot initializes the snapshot of a work that has never run.
func NewSnapshot(name, startURL string, now time.Time) ProgressSnapshot {
	return ProgressSnapshot{
		Work: Work{
			Name:       name,
			StartURL:   startURL,
			CurrentURL: startURL,
			CreatedAt:  now,
		},
		UpdatedAt: now,
	}
}

// Chapter returns a pointer to the record with the given index, or nil.
func (s *ProgressSnapshot) Chapter(index int) *ChapterRecord {
	for i := range s.Chapters {
		if s.Chapters[i].Index == index {
			return &s.Chapters[i]
		}
	}
	return nil
}

// ChapterByURL returns the index of the chapter whose normalized URL matches.
func (s *ProgressSnapshot) ChapterByURL(normalized string, normalize func(string) string) (int, bool) {
	for _, ch := range s.Chapters {
		if normalize(ch.URL) == normalized {
			return ch.Index, true
		}
	}
	return 0, false
}

// PutChapter inserts or replaces a chapter record keeping index order.
func (s *ProgressSnapshot) PutChapter(rec ChapterRecord) {
	for i := range s.Chapters {
		if s.Chapters[i].Index == rec.Index {
			s.Chapters[i] = rec
			return
		}
	}
	pos := len(s.Chapters)
	for i := range s.Chapters {
		if s.Chapters[i].Index > rec.Index {
			pos = i
			break
		}
	}
	s.Chapters = append(s.Chapters, ChapterRecord{})
	copy(s.Chapters[pos+1:], s.Chapters[pos:])
	s.Chapters[pos] = rec
}

// MarkCompleted raises the completed-chapter index; it never lowers it.
func (s *ProgressSnapshot) MarkCompleted(index int) {
	if index > s.LastCompletedChapter {
		s.LastCompletedChapter = index
	}
}

// Recount rebuilds the counters and the failed-image ledger from chapter records.
func (s *ProgressSnapshot) Recount() {
	s.Succeeded, s.Failed = 0, 0
	s.FailedImages = s.FailedImages[:0]
	for _, ch := range s.Chapters {
		for _, img := range ch.Images {
			switch img.State {
			case ImageSucceeded:
				s.Succeeded++
			case ImageFailed:
				s.Failed++
				s.FailedImages = append(s.FailedImages, FailedImage{
					Chapter:  ch.Index,
					Image:    img.Index,
					URL:      img.URL,
					Attempts: img.Attempts,
					Error:    img.LastError,
				})
			}
		}
	}
}

// Clone returns a deep copy that shares no memory with the receiver.
func (s ProgressSnapshot) Clone() ProgressSnapshot {
	out := s
	if s.Chapters != nil {
		out.Chapters = make([]ChapterRecord, len(s.Chapters))
		for i, ch := range s.Chapters {
			out.Chapters[i] = ch
			if ch.Images != nil {
				out.Chapters[i].Images = append([]ImageStatus(nil), ch.Images...)
			}
			if ch.CompletedAt != nil {
				ts := *ch.CompletedAt
				out.Chapters[i].CompletedAt = &ts
			}
		}
	}
	if s.FailedImages != nil {
		out.FailedImages = append([]FailedImage(nil), s.FailedImages...)
	}
	return out
}

// StartRequest is what the request surface submits.
type StartRequest struct {
	Work          string `json:"work"`
	URL           string `json:"url"`
	CoverURL      string `json:"cover_url,omitempty"`
	ForceURL      bool   `json:"force_url"`
	ExpectedTotal int    `json:"expected_total,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
}

// JobTicket is a queued unit of work.
type JobTicket struct {
	ID            string    `json:"id"`
	Work          string    `json:"work"`
	URL           string    `json:"url"`
	CoverURL      string    `json:"cover_url,omitempty"`
	ForceURL      bool      `json:"force_url"`
	ExpectedTotal int       `json:"expected_total,omitempty"`
	BatchSize     int       `json:"batch_size,omitempty"`
	Continuation  bool      `json:"continuation,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ChapterPage is what a navigator extracted from one chapter page.
type ChapterPage struct {
	URL    string
	Images []string
}

// Account is the login pair supplied once at process start.
type Account struct {
	Identifier string
	Secret     string
}

// Empty reports whether no login is configured.
func (a Account) Empty() bool {
	return a.Identifier == ""
}

// String never prints the secret.
func (a Account) String() string {
	if a.Empty() {
		return "Account{}"
	}
	return "Account{identifier:<redacted>}"
}

// GoString mirrors String so %#v cannot leak the secret either.
func (a Account) GoString() string {
	return a.String()
}

// MarshalLogObject lets zap.Object log an account without its credentials.
func (a Account) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("configured", !a.Empty())
	return nil
}

// AuthContext carries what the asset fetcher needs to look like the browser.
type AuthContext struct {
	Cookies []*http.Cookie
	Headers http.Header
}
