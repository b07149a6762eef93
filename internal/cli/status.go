// internal/cli/status.go
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntrik/mend/internal/fixer"
	"github.com/syntrik/mend/internal/history"
	"github.com/syntrik/mend/internal/observability"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show circuit breaker state, known-fix statistics and security log size.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit status as JSON")

	return cmd
}

type statusReport struct {
	Enabled           bool   `json:"enabled"`
	CircuitState      string `json:"circuit_state"`
	TotalAttempts     int    `json:"total_attempts"`
	TotalSuccesses    int    `json:"total_successes"`
	TotalFailures     int    `json:"total_failures"`
	BuiltinFixes      int    `json:"builtin_fixes"`
	CustomFixes       int    `json:"custom_fixes"`
	TotalApplications int    `json:"total_fix_applications"`
	SecurityEvents    int    `json:"security_events"`
}

func runStatus(asJSON bool) error {
	logger := observability.GetLogger().Named("cli")

	if _, err := cfg.EnsureWorkDir(); err != nil {
		return err
	}
	fx, err := fixer.Assemble(cfg, nil, history.NoopStore{}, logger)
	if err != nil {
		return err
	}

	stats := fx.Breaker().Stats()
	builtin, custom, applications := fx.KnownFixes().Stats()
	events, err := fx.SecurityLog().Read()
	if err != nil {
		return err
	}

	report := statusReport{
		Enabled:           cfg.Fixer().Enabled,
		CircuitState:      string(fx.Breaker().State()),
		TotalAttempts:     stats.TotalAttempts,
		TotalSuccesses:    stats.TotalSuccesses,
		TotalFailures:     stats.TotalFailures,
		BuiltinFixes:      builtin,
		CustomFixes:       custom,
		TotalApplications: applications,
		SecurityEvents:    len(events),
	}

	if asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Fixer enabled:       %t\n", report.Enabled)
	fmt.Printf("Circuit breaker:     %s\n", report.CircuitState)
	fmt.Printf("Attempts:            %d (%d succeeded, %d failed)\n",
		report.TotalAttempts, report.TotalSuccesses, report.TotalFailures)
	fmt.Printf("Known fixes:         %d builtin, %d custom, %d applications\n",
		report.BuiltinFixes, report.CustomFixes, report.TotalApplications)
	fmt.Printf("Security log:        %d events\n", report.SecurityEvents)
	return nil
}
