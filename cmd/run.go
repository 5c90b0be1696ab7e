// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/batch"
	"github.com/xkilldash9x/socialdriver/internal/ledger"
	"github.com/xkilldash9x/socialdriver/internal/observability"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type runOptions struct {
	jobsPath    string
	resume      bool
	output      string
	metricsFile string
	dryRun      bool
}

// newRunCmd creates and configures the `run` command.
func newRunCmd(env environment) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Perform every action listed in a jobs file, one worker per account",
		Long: `Authenticates each account in the jobs file, then dispatches and confirms its
actions in order. Targets already confirmed are skipped; with --resume this
includes outcomes persisted by earlier runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			jobs, err := loadJobs(opts.jobsPath, cfg.Platform.RequiredCookies)
			if err != nil {
				return err
			}
			if opts.dryRun {
				return printDryRun(cmd.OutOrStdout(), jobs)
			}

			c, err := initializeComponents(ctx, env, cfg, logger)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			reports, runErr := runJobs(ctx, c, jobs, opts.resume)

			if err := writeReports(cmd.OutOrStdout(), opts.output, reports); err != nil {
				return err
			}
			if opts.metricsFile != "" {
				if err := prometheus.WriteToTextfile(opts.metricsFile, c.Registry); err != nil {
					logger.Warn("Failed to write metrics file", zap.String("path", opts.metricsFile), zap.Error(err))
				}
			}
			return runErr
		},
	}

	runCmd.Flags().StringVarP(&opts.jobsPath, "jobs", "j", "", "Jobs file listing accounts and their actions (required)")
	_ = runCmd.MarkFlagRequired("jobs")
	runCmd.Flags().Int("workers", 0, "Number of accounts processed concurrently. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run browsers headless. (Overrides config/env)")
	runCmd.Flags().BoolVar(&opts.resume, "resume", false, "Skip targets confirmed by earlier runs stored in the outcome store")
	runCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the run reports to this file instead of stdout")
	runCmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write batch metrics in Prometheus text format to this file")
	runCmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Validate the jobs file and exit without launching a browser")

	return runCmd
}

// runJobs runs one worker per job, at most batch.workers at a time. An
// account that aborts does not stop the others; its error is joined into the
// returned error. Reports are returned in job order.
func runJobs(ctx context.Context, c *components, jobs []Job, resume bool) ([]*batch.Report, error) {
	reports := make([]*batch.Report, len(jobs))

	var (
		mu   sync.Mutex
		errs []error
	)

	g := new(errgroup.Group)
	g.SetLimit(max(c.Config.Batch.Workers, 1))
	for i, job := range jobs {
		g.Go(func() error {
			report, err := runJob(ctx, c, job, resume)
			reports[i] = report
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("account %s: %w", job.Handle, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// runJob authenticates one account and runs its batch. The session is always
// closed and the outcomes are persisted even when the run aborts.
func runJob(ctx context.Context, c *components, job Job, resume bool) (*batch.Report, error) {
	logger := c.Logger.With(observability.Account(job.Handle))

	reqs, err := job.Requests()
	if err != nil {
		return nil, err
	}

	l := ledger.New()
	if resume {
		previous, err := c.Store.LoadOutcomes(ctx, job.Handle)
		if err != nil {
			return nil, fmt.Errorf("failed to load previous outcomes: %w", err)
		}
		l.Seed(previous)
		logger.Info("Ledger seeded from earlier runs.", zap.Int("entries", len(previous)))
	}

	s, err := c.Manager.Authenticate(ctx, job.Credentials())
	if s == nil {
		return nil, err
	}
	if err != nil {
		// The runner re-authenticates once before giving up on the account.
		logger.Warn("Initial authentication failed.", zap.Error(err))
	}

	runner := batch.NewRunner(c.Manager, c.Dispatcher, c.Confirmer, l, c.Logger,
		batch.WithJitter(c.Config.Batch.Jitter),
		batch.WithHourlyLimit(c.Config.Batch.MaxActionsPerHour),
		batch.WithMetrics(c.Metrics),
	)
	report, runErr := runner.Run(ctx, s, reqs, job.Delay(c.Config.Batch.InterActionDelay))

	cleanupCtx := context.WithoutCancel(ctx)
	closeSessions(cleanupCtx, c.Manager, logger, s, report.Session)

	if len(report.Outcomes) > 0 {
		if err := c.Store.SaveOutcomes(cleanupCtx, report.RunID, job.Handle, report.Outcomes); err != nil {
			logger.Error("Failed to persist outcomes.", zap.Error(err))
		}
	}
	return report, runErr
}

func closeSessions(ctx context.Context, m *session.Manager, logger *zap.Logger, sessions ...*session.Session) {
	for _, s := range sessions {
		if s == nil {
			continue
		}
		if err := m.Close(ctx, s); err != nil {
			logger.Warn("Failed to close session.", observability.SessionID(s.ID()), zap.Error(err))
		}
	}
}

func writeReports(stdout io.Writer, path string, reports []*batch.Report) error {
	out := make([]schemas.RunReport, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			out = append(out, r.RunReport)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize run reports: %w", err)
	}
	if path == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write run reports: %w", err)
	}
	return nil
}

func printDryRun(w io.Writer, jobs []Job) error {
	total := 0
	for _, job := range jobs {
		reqs, _ := job.Requests()
		total += len(reqs)
		counts := make(map[schemas.ActionType]int)
		for _, r := range reqs {
			counts[r.Type]++
		}
		fmt.Fprintf(w, "%s: %d actions", job.Handle, len(reqs))
		for _, t := range []schemas.ActionType{schemas.ActionFollow, schemas.ActionLike, schemas.ActionComment, schemas.ActionSendMessage} {
			if counts[t] > 0 {
				fmt.Fprintf(w, " %s=%d", t, counts[t])
			}
		}
		fmt.Fprintln(w)
	}
	_, err := fmt.Fprintf(w, "%d accounts, %d actions. Jobs file is valid.\n", len(jobs), total)
	return err
}

// isCredentialError reports whether err came from an incomplete credential set.
func isCredentialError(err error) bool {
	return errors.Is(err, action.ErrCredential)
}
