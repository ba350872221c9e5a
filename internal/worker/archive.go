package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
)

// ChapterCheck is the per-chapter line of the archived validation report.
type ChapterCheck struct {
	Index           int                     `json:"index"`
	URL             string                  `json:"url"`
	ImagesFound     int                     `json:"images_found"`
	ImagesSucceeded int                     `json:"images_succeeded"`
	ImagesFailed    int                     `json:"images_failed"`
	Quality         download.ChapterQuality `json:"quality,omitempty"`
	Complete        bool                    `json:"complete"`
}

// Validation compares what was downloaded with what was expected.
type Validation struct {
	ExpectedTotal      int            `json:"expected_total,omitempty"`
	ChaptersRecorded   int            `json:"chapters_recorded"`
	ChaptersComplete   int            `json:"chapters_complete"`
	MissingChapters    []int          `json:"missing_chapters"`
	IncompleteChapters []int          `json:"incomplete_chapters"`
	Chapters           []ChapterCheck `json:"chapters"`
}

// Archive is the document stored as <work>/summary.json.
type Archive struct {
	Summary    download.RunSummary `json:"summary"`
	Validation Validation          `json:"validation"`
}

// Validate builds the validation report of a snapshot.
func Validate(snap download.ProgressSnapshot) Validation {
	v := Validation{
		ExpectedTotal:      snap.Work.ExpectedTotal,
		ChaptersRecorded:   len(snap.Chapters),
		MissingChapters:    []int{},
		IncompleteChapters: []int{},
		Chapters:           make([]ChapterCheck, 0, len(snap.Chapters)),
	}
	upper := snap.Work.ExpectedTotal
	present := make(map[int]bool, len(snap.Chapters))
	for _, ch := range snap.Chapters {
		present[ch.Index] = true
		if ch.Index > upper {
			upper = ch.Index
		}
		succeeded, failed := ch.Counts()
		v.Chapters = append(v.Chapters, ChapterCheck{
			Index:           ch.Index,
			URL:             ch.URL,
			ImagesFound:     len(ch.Images),
			ImagesSucceeded: succeeded,
			ImagesFailed:    failed,
			Quality:         ch.Quality,
			Complete:        ch.Complete,
		})
		if ch.Complete {
			v.ChaptersComplete++
		} else {
			v.IncompleteChapters = append(v.IncompleteChapters, ch.Index)
		}
	}
	for i := 1; i <= upper; i++ {
		if !present[i] {
			v.MissingChapters = append(v.MissingChapters, i)
		}
	}
	return v
}

func (r *run) archive(ctx context.Context, summary download.RunSummary, snap download.ProgressSnapshot) (string, error) {
	body, err := json.MarshalIndent(Archive{Summary: summary, Validation: Validate(snap)}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	uri, err := r.w.blobs.PutObject(ctx, path.Join(r.ticket.Work, r.w.cfg.SummaryName), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put summary: %w", err)
	}
	return uri, nil
}

// Handoff is the message that tells the upload pipeline a work has new
// chapters on disk.
type Handoff struct {
	Work              string             `json:"work"`
	Folder            string             `json:"folder"`
	Status            download.RunStatus `json:"status"`
	ChaptersCompleted int                `json:"chapters_completed"`
	TicketID          string             `json:"ticket_id"`
}

func (r *run) handoff(ctx context.Context, summary download.RunSummary) {
	if r.w.publisher == nil || r.w.cfg.HandoffTopic == "" {
		return
	}
	msg := Handoff{
		Work:              summary.Work,
		Folder:            filepath.Join(r.w.cfg.Root, summary.Work),
		Status:            summary.Status,
		ChaptersCompleted: summary.ChaptersCompleted,
		TicketID:          summary.TicketID,
	}
	id, err := r.w.publisher.Publish(ctx, r.w.cfg.HandoffTopic, msg)
	if err != nil {
		r.logger.Warn("handoff publish failed", zap.String("topic", r.w.cfg.HandoffTopic), zap.Error(err))
		return
	}
	r.logger.Debug("handoff published", zap.String("topic", r.w.cfg.HandoffTopic), zap.String("message_id", id))
}
