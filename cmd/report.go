// File: cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/ledger"
	"github.com/xkilldash9x/socialdriver/internal/observability"
)

// accountReport summarises the persisted history of one account.
type accountReport struct {
	Account     string                  `json:"account"`
	Attempts    int                     `json:"attempts"`
	Confirmed   int                     `json:"confirmed"`
	Unconfirmed int                     `json:"unconfirmed"`
	Failed      int                     `json:"failed"`
	Latest      []schemas.ActionOutcome `json:"latest"`
}

// newReportCmd creates and configures the `report` command.
func newReportCmd(env environment) *cobra.Command {
	var account, outputPath string

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise the outcomes persisted for an account",
		Long: `Loads every outcome stored for the account, and prints the verdict counts
together with the most recent outcome for each (action, target) pair.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, cmd.OutOrStdout(), logger, env, cfg, account, outputPath)
		},
	}

	reportCmd.Flags().StringVarP(&account, "account", "a", "", "Account handle to report on (required)")
	_ = reportCmd.MarkFlagRequired("account")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path. If unset, the JSON report is printed to stdout.")
	return reportCmd
}

// runReport contains the core, testable logic for generating a report.
func runReport(ctx context.Context, stdout io.Writer, logger *zap.Logger, env environment, cfg *config.Config, account, outputPath string) error {
	if cfg.Store.Driver == "" || cfg.Store.Driver == "none" {
		return fmt.Errorf("no outcome store is configured (store.driver)")
	}

	repo, err := env.Store(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("Failed to close outcome store cleanly.", zap.Error(err))
		}
	}()

	outcomes, err := repo.LoadOutcomes(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to load outcomes: %w", err)
	}

	report := summarise(account, outcomes)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize report to JSON: %w", err)
	}
	if outputPath == "" {
		_, err = fmt.Fprintln(stdout, string(data))
		return err
	}
	if err := os.WriteFile(outputPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	logger.Info("Report successfully written to file", zap.String("path", outputPath))
	return nil
}

// summarise replays outcomes through a ledger to find the latest entry per key.
func summarise(account string, outcomes []schemas.ActionOutcome) accountReport {
	l := ledger.New()
	l.Seed(outcomes)

	r := accountReport{Account: account, Attempts: len(outcomes), Latest: []schemas.ActionOutcome{}}
	seen := make(map[schemas.LedgerKey]bool)
	for _, o := range outcomes {
		switch o.Verdict {
		case schemas.VerdictConfirmed:
			r.Confirmed++
		case schemas.VerdictUnconfirmed:
			r.Unconfirmed++
		default:
			r.Failed++
		}

		key := o.Request.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if latest, ok := l.Lookup(o.Request.Type, o.Request.Target); ok {
			r.Latest = append(r.Latest, latest)
		}
	}
	return r
}
