package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/tui"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open a live board of the ledger grouped by wave",
	Long: `Show every open task grouped by dependency wave. The board refreshes every
tui.refresh_rate and as soon as another process changes the ledger.

Keys: r refresh, a show or hide finished tasks, q quit.`,
	Args: cobra.NoArgs,
	RunE: runBoard,
}

func runBoard(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	load := func(ctx context.Context) ([]*models.Task, error) {
		return ledger.Collect(a.store.List(ctx, ledger.Filter{}))
	}
	program, board := tui.NewBoardProgram(load, a, cfg.TUI.RefreshRate)
	defer board.Close()

	_, err = program.Run()
	return err
}
