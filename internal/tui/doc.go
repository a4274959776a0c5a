// Package tui provides the terminal board for waveledger.
//
// The board is read-only. It shows every open task of the ledger grouped by
// dependency wave, with status, owner and dependencies, and refreshes on a
// timer and whenever a change notification arrives. Users can only refresh,
// toggle finished tasks and quit with 'q' or Ctrl+C.
//
// Usage:
//
//	load := func(ctx context.Context) ([]*models.Task, error) {
//	    return ledger.Collect(store.List(ctx, ledger.Filter{}))
//	}
//	program, _ := tui.NewBoardProgram(load, hub, time.Second)
//	if _, err := program.Run(); err != nil {
//	    return err
//	}
package tui
