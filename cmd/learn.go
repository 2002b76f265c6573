package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/engine"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/learning"
)

var learnCmd = &cobra.Command{
	Use:   "learn <workflow-id>",
	Short: "Replay a workflow once and propose variable mappings",
	Long: `Replay a workflow's steps once with the first account combination, then
score which response values reappear in later requests.

Candidates are printed for review. Save them with --save, edit the file and
persist it with 'bolagate apply-mappings', or persist directly with --apply.

Examples:
  bolagate learn wf-checkout --accounts acct-alice --env staging --save candidates.yaml
  bolagate learn wf-checkout --accounts acct-alice --apply --min-confidence 0.8`,
	Args: cobra.ExactArgs(1),
	RunE: runLearn,
}

var applyMappingsCmd = &cobra.Command{
	Use:   "apply-mappings <workflow-id>",
	Short: "Persist reviewed mapping candidates as workflow variables",
	Long: `Read mapping candidates from a JSON or YAML file, either the full output of
'bolagate learn --save' or a bare list, and store them as variables and
mappings of the workflow.

Policies:
  merge_keep_manual  replace learned entries, keep manual ones (default)
  replace_all        delete every variable and mapping first`,
	Args: cobra.ExactArgs(1),
	RunE: runApplyMappings,
}

func init() {
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(applyMappingsCmd)

	learnCmd.Flags().StringSlice("accounts", nil, "account ids used for the capture replay")
	learnCmd.Flags().String("env", "", "environment id")
	learnCmd.Flags().Float64("min-confidence", 0, "drop candidates below this confidence")
	learnCmd.Flags().String("save", "", "write the learning result to this file (.json, .yaml)")
	learnCmd.Flags().Bool("apply", false, "persist the candidates immediately")
	learnCmd.Flags().String("policy", string(engine.MergeKeepManual), "apply policy (merge_keep_manual, replace_all)")
	learnCmd.Flags().StringP("output", "o", "text", "output format (text, json)")

	applyMappingsCmd.Flags().StringP("file", "f", "", "candidates file (.json, .yaml)")
	applyMappingsCmd.Flags().String("policy", string(engine.MergeKeepManual), "apply policy (merge_keep_manual, replace_all)")
	applyMappingsCmd.MarkFlagRequired("file")
}

func runLearn(cmd *cobra.Command, args []string) error {
	workflowID := args[0]
	accounts, _ := cmd.Flags().GetStringSlice("accounts")
	envID, _ := cmd.Flags().GetString("env")
	minConfidence, _ := cmd.Flags().GetFloat64("min-confidence")
	savePath, _ := cmd.Flags().GetString("save")
	apply, _ := cmd.Flags().GetBool("apply")
	policyName, _ := cmd.Flags().GetString("policy")
	output, _ := cmd.Flags().GetString("output")

	policy, err := engine.ParseApplyPolicy(policyName)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, cleanup := buildEngine(ctx, nil)
	defer cleanup()

	snapshots, err := e.CaptureBaseline(ctx, workflowID, accounts, envID)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	res := e.Learn(ctx, workflowID, snapshots)
	res.Mappings = filterCandidates(res.Mappings, minConfidence)

	out := cmd.OutOrStdout()
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to encode learning result: %w", err)
		}
	} else {
		displayCandidates(out, res)
	}

	if savePath != "" {
		if err := writeLearningResult(savePath, res); err != nil {
			return err
		}
		color.Green("Saved %d candidate(s) to %s\n", len(res.Mappings), savePath)
	}

	if apply {
		applied, err := e.ApplyMappings(ctx, workflowID, res.Mappings, policy)
		if err != nil {
			return fmt.Errorf("apply failed: %w", err)
		}
		displayApplyResult(out, applied)
	}
	return nil
}

func runApplyMappings(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	policyName, _ := cmd.Flags().GetString("policy")

	policy, err := engine.ParseApplyPolicy(policyName)
	if err != nil {
		return err
	}
	candidates, err := readCandidates(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	e, cleanup := buildEngine(ctx, nil)
	defer cleanup()

	res, err := e.ApplyMappings(ctx, args[0], candidates, policy)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	displayApplyResult(cmd.OutOrStdout(), res)
	return nil
}

func filterCandidates(in []learning.MappingCandidate, min float64) []learning.MappingCandidate {
	if min <= 0 {
		return in
	}
	out := in[:0:0]
	for _, c := range in {
		if c.Confidence >= min {
			out = append(out, c)
		}
	}
	return out
}

func displayCandidates(out io.Writer, res learning.Result) {
	fmt.Fprintf(out, "Workflow %s: %d step(s) analysed, %d candidate(s)\n", res.WorkflowID, len(res.Steps), len(res.Mappings))
	for _, c := range res.Mappings {
		conf := fmt.Sprintf("%.2f", c.Confidence)
		switch {
		case c.Confidence >= 0.9:
			conf = color.GreenString(conf)
		case c.Confidence >= 0.7:
			conf = color.YellowString(conf)
		}
		fmt.Fprintf(out, "  %-20s %-14s step%d.%s -> step%d.%s  %s  %s\n",
			c.VariableName, c.VariableType,
			c.FromStepOrder, c.FromLocation,
			c.ToStepOrder, c.ToLocation,
			conf, c.Reason,
		)
	}
}

func displayApplyResult(out io.Writer, res engine.ApplyResult) {
	color.New(color.FgGreen).Fprintf(out, "Created %d variable(s) and %d mapping(s)", res.VariablesCreated, res.MappingsCreated)
	fmt.Fprintf(out, "; removed %d variable(s) and %d mapping(s)\n", res.VariablesRemoved, res.MappingsRemoved)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func writeLearningResult(path string, res learning.Result) error {
	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(res)
	} else {
		data, err = json.MarshalIndent(res, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode learning result: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readCandidates accepts a learning result document or a bare candidate list.
func readCandidates(path string) ([]learning.MappingCandidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	unmarshal := json.Unmarshal
	if isYAML(path) {
		unmarshal = yaml.Unmarshal
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) || bytes.HasPrefix(trimmed, []byte("-")) {
		var list []learning.MappingCandidate
		if err := unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse candidates in %s: %w", path, err)
		}
		return list, nil
	}
	var res learning.Result
	if err := unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse candidates in %s: %w", path, err)
	}
	return res.Mappings, nil
}
