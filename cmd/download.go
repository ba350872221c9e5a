package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/progress"
	"github.com/JakeFAU/chapterd/internal/server"
)

// errRunFailed is returned when the foreground run ended in failure, so the
// process exits non-zero.
var errRunFailed = errors.New("download failed")

type downloadOptions struct {
	coverURL      string
	force         bool
	expectedTotal int
	batchSize     int
	jsonEvents    bool
}

func newDownloadCmd(v *viper.Viper) *cobra.Command {
	var opts downloadOptions
	cmd := &cobra.Command{
		Use:   "download <work> <url>",
		Short: "Download a work in the foreground, printing progress events",
		Long: `download resumes <work> from its progress record, or starts at <url>
when the work has none. Use --force to restart at <url> regardless.
With --cover-url the cover image of that catalog page is saved once the
work reaches its last chapter.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, args[0], args[1], opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.force, "force", false, "start at <url> even if progress exists")
	flags.StringVar(&opts.coverURL, "cover-url", "", "catalog page to take the cover image from")
	flags.IntVar(&opts.expectedTotal, "expected-total", 0, "stop after this chapter number")
	flags.IntVar(&opts.batchSize, "batch-size", 0, "chapters per run (0 means unlimited)")
	flags.BoolVar(&opts.jsonEvents, "json", false, "print events as JSON lines")
	flags.String("driver", "", "navigator driver (browser or static)")
	flags.Int("image-concurrency", 0, "parallel image downloads per chapter")
	flags.Bool("requeue", false, "continue with the next batch when one finishes")
	bindFlags(v, flags.Lookup, map[string]string{
		"navigator.driver":            "driver",
		"downloads.image_concurrency": "image-concurrency",
		"downloads.requeue_batches":   "requeue",
	})
	return cmd
}

func runDownload(cmd *cobra.Command, work, url string, opts downloadOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := e.config()
	if err != nil {
		return err
	}
	// One ticket at a time, so one session is enough.
	cfg.Queue.Workers = 1

	app, err := server.Build(cmd.Context(), cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer func() { _ = app.Close(cmd.Context()) }()

	out := cmd.OutOrStdout()
	printer := textEvent
	if opts.jsonEvents {
		printer = jsonEvent
	}
	summary, err := app.Download(cmd.Context(), download.StartRequest{
		Work:          work,
		URL:           url,
		CoverURL:      opts.coverURL,
		ForceURL:      opts.force,
		ExpectedTotal: opts.expectedTotal,
		BatchSize:     opts.batchSize,
	}, func(evt progress.Event) { printer(out, evt) })
	if err != nil {
		return fmt.Errorf("download %s: %w", work, err)
	}

	fmt.Fprintf(out, "%s: %s (%s), %d chapters, %d images ok, %d failed, %d skipped in %s\n",
		summary.Work, summary.Status, summary.StopReason, summary.ChaptersCompleted,
		summary.ImagesSucceeded, summary.ImagesFailed, summary.ImagesSkipped,
		summary.Elapsed.Round(time.Second))
	if summary.ResumeURL != "" {
		fmt.Fprintf(out, "resume at %s\n", summary.ResumeURL)
	}
	if summary.Status == download.RunFailed {
		return fmt.Errorf("%w: %s", errRunFailed, summary.Error)
	}
	return nil
}

func textEvent(w io.Writer, evt progress.Event) {
	line := fmt.Sprintf("%s %-18s", evt.TS.Local().Format("15:04:05"), evt.Stage)
	if evt.Chapter > 0 {
		line += fmt.Sprintf(" ch %d", evt.Chapter)
	}
	if evt.Message != "" {
		line += " " + evt.Message
	}
	fmt.Fprintln(w, line)
}

func jsonEvent(w io.Writer, evt progress.Event) {
	_ = json.NewEncoder(w).Encode(evt)
}
