package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/engine"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/shutdown"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow or template test run",
}

var runWorkflowCmd = &cobra.Command{
	Use:   "workflow <workflow-id>",
	Short: "Replay a workflow across account combinations",
	Long: `Replay a workflow, or a mutation of one, once per value combination.

Each combination whose replay is accepted by the target, and whose response
differs enough from the attacker's own baseline when comparison is enabled,
is stored as a finding under the test run.

Examples:
  bolagate run workflow wf-orders-bola --accounts acct-alice,acct-victor --env staging
  bolagate run workflow wf-orders --accounts acct-alice,acct-victor --output json`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

var runTemplateCmd = &cobra.Command{
	Use:   "template <template-id>...",
	Short: "Replay request templates across account combinations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTemplates,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runWorkflowCmd)
	runCmd.AddCommand(runTemplateCmd)

	for _, c := range []*cobra.Command{runWorkflowCmd, runTemplateCmd} {
		c.Flags().StringSlice("accounts", nil, "account ids to draw values from")
		c.Flags().String("env", "", "environment id (base URL and default headers)")
		c.Flags().String("run-id", "", "test run id (generated when empty)")
		c.Flags().String("security-run-id", "", "parent security run id")
		c.Flags().StringP("output", "o", "text", "output format (text, json)")
		c.Flags().Int("top", 10, "findings to print in text output")
		c.Flags().Bool("quiet", false, "hide the progress bar")
		c.Flags().Bool("fail-on-findings", false, "exit non-zero when findings were stored")
	}
}

type runFlags struct {
	accounts       []string
	env            string
	runID          string
	securityRunID  string
	output         string
	top            int
	quiet          bool
	failOnFindings bool
}

func readRunFlags(cmd *cobra.Command) (runFlags, error) {
	var f runFlags
	f.accounts, _ = cmd.Flags().GetStringSlice("accounts")
	f.env, _ = cmd.Flags().GetString("env")
	f.runID, _ = cmd.Flags().GetString("run-id")
	f.securityRunID, _ = cmd.Flags().GetString("security-run-id")
	f.output, _ = cmd.Flags().GetString("output")
	f.top, _ = cmd.Flags().GetInt("top")
	f.quiet, _ = cmd.Flags().GetBool("quiet")
	f.failOnFindings, _ = cmd.Flags().GetBool("fail-on-findings")

	if f.output != "text" && f.output != "json" {
		return f, fmt.Errorf("unsupported output format %q", f.output)
	}
	if f.runID == "" {
		f.runID = uuid.NewString()
	}
	return f, nil
}

// progressWriter is where the console bar goes; json output keeps stdout clean.
func (f runFlags) progressWriter(cmd *cobra.Command) io.Writer {
	if f.quiet {
		return nil
	}
	if f.output == "json" {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	f, err := readRunFlags(cmd)
	if err != nil {
		return err
	}
	return executeRun(cmd, f, func(ctx context.Context, e *engine.Engine) (engine.RunOutcome, error) {
		return e.ExecuteWorkflowRun(ctx, engine.WorkflowRequest{
			TestRunID:     f.runID,
			WorkflowID:    args[0],
			AccountIDs:    f.accounts,
			EnvironmentID: f.env,
			SecurityRunID: f.securityRunID,
		})
	})
}

func runTemplates(cmd *cobra.Command, args []string) error {
	f, err := readRunFlags(cmd)
	if err != nil {
		return err
	}
	return executeRun(cmd, f, func(ctx context.Context, e *engine.Engine) (engine.RunOutcome, error) {
		return e.ExecuteTemplateRun(ctx, engine.TemplateRequest{
			TestRunID:     f.runID,
			TemplateIDs:   args,
			AccountIDs:    f.accounts,
			EnvironmentID: f.env,
			SecurityRunID: f.securityRunID,
		})
	})
}

type runReport struct {
	Outcome  engine.RunOutcome `json:"outcome"`
	Run      *types.TestRun    `json:"run,omitempty"`
	Findings []types.Finding   `json:"findings"`
}

func executeRun(cmd *cobra.Command, f runFlags, exec func(context.Context, *engine.Engine) (engine.RunOutcome, error)) error {
	handler := shutdown.NewHandler(log, 10*time.Second)
	ctx, stop := handler.NotifyContext(cmd.Context(), func(sig os.Signal) {
		color.Yellow("\n\n  Received %s - stopping after the current combination...\n", sig)
	})
	defer stop()

	e, cleanup := buildEngine(ctx, f.progressWriter(cmd))
	handler.RegisterShutdownFunc(func(context.Context) error {
		cleanup()
		return nil
	})
	defer func() {
		if err := handler.Shutdown(ctx); err != nil {
			log.Warnw("Shutdown incomplete", "error", err)
		}
	}()

	start := time.Now()
	outcome, runErr := exec(ctx, e)
	log.Infow("Test run finished",
		"test_run_id", outcome.TestRunID,
		"status", outcome.Status,
		"findings", outcome.FindingsCount,
		"errors", outcome.ErrorsCount,
		"duration", time.Since(start).String(),
	)

	// The run context may be cancelled; reads for the report must not be.
	readCtx := context.WithoutCancel(ctx)
	report := runReport{Outcome: outcome}
	if run, err := store.GetTestRun(readCtx, f.runID); err == nil {
		report.Run = run
	}
	findings, err := store.ListFindings(readCtx, f.runID)
	if err != nil {
		log.Warnw("Failed to load findings for summary", "test_run_id", f.runID, "error", err)
	}
	report.Findings = findings

	out := cmd.OutOrStdout()
	if f.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
	} else {
		displayRunSummary(out, outcome, report.Run)
		if counts := groupFindingsBySeverity(findings); len(counts) > 0 {
			fmt.Fprintf(out, "\n  By severity:")
			for _, sev := range []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow, types.SeverityInfo} {
				if counts[sev] > 0 {
					fmt.Fprintf(out, " %s=%d", colorSeverity(sev), counts[sev])
				}
			}
			fmt.Fprintln(out)
			displayTopFindings(out, findings, f.top)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run %s: %w", f.runID, runErr)
	}
	if !outcome.Success {
		return fmt.Errorf("run %s ended with status %s", f.runID, outcome.Status)
	}
	if f.failOnFindings && outcome.FindingsCount > 0 {
		return fmt.Errorf("run %s stored %d finding(s)", f.runID, outcome.FindingsCount)
	}
	return nil
}
