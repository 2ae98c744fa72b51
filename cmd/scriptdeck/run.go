package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

const pollInterval = 250 * time.Millisecond

type runOptions struct {
	name         string
	exportName   string
	export       bool
	noNotes      bool
	noIllustrate bool
	jsonOutput   bool
}

func newRunCommand(cmdCtx *commandContext) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <script-file>",
		Short: "Process one script file in the foreground and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.noIllustrate {
				cfg.Pipeline.Illustrate = false
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(context.WithoutCancel(ctx), cfg, logger)
			if err != nil {
				return err
			}
			runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
			defer func() {
				cancelRuns()
				a.shutdown()
			}()
			a.start(runCtx)

			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open script: %w", err)
			}
			inputs, err := a.parser.Parse(ctx, filepath.Base(path), f)
			f.Close()
			if err != nil {
				return err
			}

			name := opts.name
			if name == "" {
				name = stripExt(filepath.Base(path))
			}
			job, err := a.orch.Create(ctx, name, inputs)
			if err != nil {
				return err
			}
			if _, err := a.orch.Start(ctx, job.ID); err != nil {
				return err
			}

			job, err = waitForJob(ctx, a, job.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput || !isTerminal(out) {
				if err := writeJSONLines(out, job); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, renderJob(job))
			}

			if opts.export && job.Status == domain.JobStatusCompleted {
				exported, n, err := a.orch.Export(ctx, job.ID, domain.ExportOptions{
					Name:         opts.exportName,
					IncludeNotes: !opts.noNotes,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d pages to %s\n", n, exported.OutputPath)
			}

			if job.Status != domain.JobStatusCompleted {
				return fmt.Errorf("job %s ended %s: %s", job.ID, job.Status, job.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "Job name (default: file name)")
	cmd.Flags().BoolVar(&opts.export, "export", false, "Write a deck bundle when the job completes")
	cmd.Flags().StringVar(&opts.exportName, "output-name", "", "Bundle name (default: job name and id prefix)")
	cmd.Flags().BoolVar(&opts.noNotes, "no-notes", false, "Leave narration out of the exported speaker notes")
	cmd.Flags().BoolVar(&opts.noIllustrate, "no-illustrate", false, "Only generate descriptions")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print one JSON object per page")
	return cmd
}

// waitForJob polls until the job leaves RUNNING and its run has returned.
// An interrupt cancels the job and keeps waiting so in-flight pages are
// recorded.
func waitForJob(ctx context.Context, a *app, id domain.JobID) (domain.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			a.logger.Info("interrupted, cancelling job", "job_id", id)
			if _, err := a.orch.Cancel(context.WithoutCancel(ctx), id); err != nil {
				a.logger.Warn("cancel failed", "job_id", id, "error", err)
			}
		case <-ticker.C:
		}

		job, err := a.orch.Get(id)
		if err != nil {
			return domain.Job{}, err
		}
		if job.Status != domain.JobStatusRunning && !a.store.Active(id) {
			return job, nil
		}
	}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

type pageLine struct {
	JobID       domain.JobID      `json:"job_id"`
	Index       int               `json:"index"`
	ShotNumber  string            `json:"shot_number"`
	Status      domain.ItemStatus `json:"status"`
	Description string            `json:"description,omitempty"`
	ImagePath   string            `json:"image_path,omitempty"`
	Error       string            `json:"error_message,omitempty"`
}

func writeJSONLines(w io.Writer, job domain.Job) error {
	enc := json.NewEncoder(w)
	for _, it := range job.Items {
		if err := enc.Encode(pageLine{
			JobID:       job.ID,
			Index:       it.Index,
			ShotNumber:  it.ShotNumber,
			Status:      it.Status,
			Description: it.Description,
			ImagePath:   it.ImagePath,
			Error:       it.Error,
		}); err != nil {
			return err
		}
	}
	return nil
}

func renderJob(job domain.Job) string {
	rows := make([][]string, 0, len(job.Items))
	for _, it := range job.Items {
		detail := it.Description
		if it.Error != "" {
			detail = it.Error
		}
		rows = append(rows, []string{
			strconv.Itoa(it.Index + 1),
			it.ShotNumber,
			string(it.Status),
			truncate(detail, 60),
			filepath.Base(orDash(it.ImagePath)),
		})
	}
	header := fmt.Sprintf("%s  %s  %s  %d/%d pages (%.1f%%)",
		job.Name, job.ID, job.Status, job.CompletedCount, job.TotalItems(), job.ProgressPercent())
	table := renderTable(
		[]string{"#", "Shot", "Status", "Description / Error", "Image"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
	)
	return header + "\n" + table
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func stripExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
