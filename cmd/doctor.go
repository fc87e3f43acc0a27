package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/followlytics/followlytics/internal/api"
)

const doctorCheckTimeout = 10 * time.Second

var (
	passLabel = color.New(color.FgGreen, color.Bold).SprintFunc()
	failLabel = color.New(color.FgRed, color.Bold).SprintFunc()
)

// newDoctorCmd creates the 'doctor' subcommand.
func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Checks connectivity to the configured backends",
		Long: `Builds the application from the current configuration and pings every
external backend it uses (Firestore, Postgres, GCS).

Examples:
  followlytics doctor --config config.yaml
`,
		Args: cobra.NoArgs,
		RunE: runDoctorCommand,
	}
}

func runDoctorCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		_ = app.Close(context.WithoutCancel(cmd.Context()))
	}()

	failed := runChecks(cmd.Context(), cmd.OutOrStdout(), app.Checks())
	if failed > 0 {
		return fmt.Errorf("%d backend check(s) failed", failed)
	}
	return nil
}

// runChecks probes every check concurrently and prints one line per check
// in name order. It returns the number of failures.
func runChecks(ctx context.Context, w io.Writer, checks map[string]api.ReadyCheck) int {
	if len(checks) == 0 {
		fmt.Fprintln(w, "no external backends configured")
		return 0
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		check := checks[name]
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, doctorCheckTimeout)
			defer cancel()
			results[i] = check(cctx)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, name := range names {
		if results[i] != nil {
			failed++
			fmt.Fprintf(w, "%s %-10s %v\n", failLabel("FAIL"), name, results[i])
			continue
		}
		fmt.Fprintf(w, "%s %s\n", passLabel("PASS"), name)
	}
	return failed
}
