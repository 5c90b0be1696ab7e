// File: cmd/check.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/internal/observability"
)

// newCheckCmd creates the `check` command, which only establishes sessions.
func newCheckCmd(env environment) *cobra.Command {
	var jobsPath string

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Authenticate every account in a jobs file and report its session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			jobs, err := loadJobs(jobsPath, cfg.Platform.RequiredCookies)
			if err != nil {
				return err
			}

			c, err := initializeComponents(ctx, env, cfg, logger)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			return checkJobs(ctx, cmd.OutOrStdout(), c, jobs)
		},
	}

	checkCmd.Flags().StringVarP(&jobsPath, "jobs", "j", "", "Jobs file listing accounts (required)")
	_ = checkCmd.MarkFlagRequired("jobs")
	checkCmd.Flags().Bool("headless", true, "Run browsers headless. (Overrides config/env)")
	return checkCmd
}

// checkJobs authenticates each account in turn and prints one line per account.
func checkJobs(ctx context.Context, w io.Writer, c *components, jobs []Job) error {
	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := c.Manager.Authenticate(ctx, job.Credentials())
		switch {
		case s == nil && isCredentialError(err):
			fmt.Fprintf(w, "%s: credentials incomplete (%v)\n", job.Handle, err)
		case s == nil:
			fmt.Fprintf(w, "%s: no browsing context (%v)\n", job.Handle, err)
		default:
			fmt.Fprintf(w, "%s: %s (session %s)\n", job.Handle, s.State(), s.ID())
			if closeErr := c.Manager.Close(context.WithoutCancel(ctx), s); closeErr != nil {
				c.Logger.Warn("Failed to close session.", observability.SessionID(s.ID()), zap.Error(closeErr))
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", job.Handle, err))
		}
	}
	return errors.Join(errs...)
}
