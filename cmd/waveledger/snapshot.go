package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/ledger"
)

var snapshotFormat string

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write every task to a YAML or JSON snapshot",
	Long: `Export the whole ledger, including IDs, timestamps and notes. Without a
file the snapshot goes to stdout. The format follows the file extension unless
--format is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore a snapshot into an empty ledger",
	Long: `Import a snapshot written by export. The ledger must be empty and every
record must be valid; otherwise nothing is written. Use - to read stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	for _, c := range []*cobra.Command{exportCmd, importCmd} {
		c.Flags().StringVarP(&snapshotFormat, "format", "f", "", "yaml or json (default from the file extension, else yaml)")
	}
}

func snapshotFormatFor(path string) (ledger.Format, error) {
	if snapshotFormat != "" {
		return ledger.ParseFormat(snapshotFormat)
	}
	if ext := filepath.Ext(path); ext != "" {
		return ledger.ParseFormat(ext[1:])
	}
	return ledger.FormatYAML, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	}
	format, err := snapshotFormatFor(path)
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(a *app) error {
		if path == "" || path == "-" {
			return a.store.Export(cmd.Context(), cmd.OutOrStdout(), format)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		if err := a.store.Export(cmd.Context(), f, format); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		printStatus(cmd.ErrOrStderr(), "✓", fmt.Sprintf("Exported ledger to %s", path), color.FgGreen)
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]
	format, err := snapshotFormatFor(path)
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	return withApp(cmd.Context(), func(a *app) error {
		n, err := a.store.Import(cmd.Context(), r, format)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), "✓", fmt.Sprintf("Imported %d tasks", n), color.FgGreen)
		return nil
	})
}
