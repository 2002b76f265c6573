package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/database"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write configuration tables to a YAML bundle",
	Long: `Export accounts, environments, templates, workflows and their variables and
mappings to a YAML bundle. Run history is only included with --history or
when named with --tables.

Examples:
  bolagate export -f bundle.yaml
  bolagate export --tables workflows,workflow_steps,variable_configs`,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load a YAML bundle, upserting rows by id",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)

	exportCmd.Flags().StringP("file", "f", "", "output file (stdout when empty)")
	exportCmd.Flags().StringSlice("tables", nil, "tables to export")
	exportCmd.Flags().Bool("history", false, "include test runs and findings")
}

func runExport(cmd *cobra.Command, args []string) error {
	names, _ := cmd.Flags().GetStringSlice("tables")
	history, _ := cmd.Flags().GetBool("history")
	path, _ := cmd.Flags().GetString("file")

	tables, err := parseTables(names)
	if err != nil {
		return err
	}
	if len(tables) == 0 && history {
		tables = database.AllTables
	}

	bundle, err := store.Export(cmd.Context(), tables...)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	var out io.Writer = cmd.OutOrStdout()
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}
	if err := bundle.WriteYAML(out); err != nil {
		return err
	}
	if path != "" {
		color.Green("Bundle written to %s\n", path)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	bundle, err := database.ReadBundle(f)
	if err != nil {
		return err
	}
	counts, err := store.Import(cmd.Context(), bundle)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	out := cmd.OutOrStdout()
	total := 0
	for _, t := range database.AllTables {
		if n := counts[t]; n > 0 {
			fmt.Fprintf(out, "  %-20s %d\n", t, n)
			total += n
		}
	}
	color.New(color.FgGreen).Fprintf(out, "Imported %d row(s) from %s\n", total, args[0])
	return nil
}

func parseTables(names []string) ([]database.Table, error) {
	tables := make([]database.Table, 0, len(names))
	for _, name := range names {
		t, ok := database.ParseTable(name)
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		tables = append(tables, t)
	}
	return tables, nil
}
