package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/graph"
	"github.com/ShayCichocki/waveledger/internal/lock"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/metrics"
	"github.com/ShayCichocki/waveledger/internal/orchestrator"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

var (
	runExec          string
	runDir           string
	runMaxInProgress int
	runQuiet         bool

	wavesAll bool
)

// errRunStalled makes a stalled run exit non-zero.
var errRunStalled = errors.New("run stalled: open tasks need attention")

var runCmd = &cobra.Command{
	Use:   "run --exec <command>",
	Short: "Dispatch ready tasks wave by wave",
	Long: `Run the wave scheduler until every task is done or cancelled, or until
nothing can make progress.

The --exec command runs once per claimed task through sh -c with the task in
WAVELEDGER_TASK_* environment variables. Exit 0 marks the task done, exit 75
hands it to review, and anything else blocks it with the command output as the
blocker note. At most scheduler.max_in_progress tasks run at once across every
process sharing the ledger. A task that stays blocked for a whole wave cycle
is escalated.

Ctrl+C stops dispatching and gives running tasks back to todo.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var wavesCmd = &cobra.Command{
	Use:   "waves",
	Short: "Print the open tasks grouped into dependency waves",
	Long: `Build the dependency graph of the ledger and print its waves. Wave 1 is
every task that could be claimed right now; each later wave depends on an
earlier one. A dependency cycle is reported with the tasks that form it.`,
	Args: cobra.NoArgs,
	RunE: runWaves,
}

func init() {
	runCmd.Flags().StringVarP(&runExec, "exec", "e", "", "Shell command to run for each task (required)")
	runCmd.Flags().StringVar(&runDir, "dir", "", "Working directory for the command")
	runCmd.Flags().IntVar(&runMaxInProgress, "max-in-progress", 0, "Override scheduler.max_in_progress")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the summary")
	_ = runCmd.MarkFlagRequired("exec")

	wavesCmd.Flags().BoolVar(&wavesAll, "all", false, "Also list done and cancelled tasks")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	maxInProgress := cfg.Scheduler.MaxInProgress
	if runMaxInProgress > 0 {
		maxInProgress = runMaxInProgress
	}

	m := metrics.New()
	a, err := openApp(ctx, true, lock.WithMaxInProgress(maxInProgress), lock.WithMetrics(m))
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Metrics.Addr != "" {
		shutdown, err := serveMetrics(ctx, cfg.Metrics.Addr, m)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	executor := orchestrator.NewShellExecutor(runExec, runDir,
		"WAVELEDGER_LEDGER_PATH="+absLedgerPath(),
		"WAVELEDGER_LEDGER_DRIVER="+cfg.Ledger.Driver,
	)
	sched := orchestrator.NewScheduler(a.store, a.locks, executor,
		orchestrator.WithMaxInProgress(maxInProgress),
		orchestrator.WithPollInterval(cfg.Scheduler.PollInterval),
		orchestrator.WithWorkerPrefix(cfg.Scheduler.WorkerPrefix),
		orchestrator.WithSignals(a),
		orchestrator.WithMetrics(m),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sched.Events() {
			if !runQuiet {
				printEvent(out, ev)
			}
		}
	}()

	result, err := sched.Run(ctx)
	sched.Close()
	wg.Wait()
	if n := sched.DroppedEventCount(); n > 0 {
		logger.G(ctx).WithField("dropped", n).Warn("scheduler events dropped")
	}

	if err != nil {
		var cyc *graph.CyclicDependencyError
		if errors.As(err, &cyc) {
			printStatus(out, "✗", "Nothing was dispatched: "+cyc.Error(), color.FgRed)
		}
		if errors.Is(err, context.Canceled) {
			printStatus(out, "-", "Interrupted; running tasks were given back", color.FgYellow)
			return nil
		}
		return err
	}

	printSummary(out, result)
	if result.Status == orchestrator.RunStalled {
		return errRunStalled
	}
	return nil
}

// serveMetrics exposes the scheduler's collectors on addr until ctx ends or
// the returned function is called.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.G(ctx).WithError(err).Error("metrics server failed")
		}
	}()
	logger.G(ctx).WithField("addr", ln.Addr().String()).Info("serving metrics")

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

func printEvent(w io.Writer, ev orchestrator.Event) {
	task := fmt.Sprintf("#%d %s", ev.TaskID, ev.TaskTitle)
	switch ev.Type {
	case orchestrator.EventWaveOpened:
		printStatus(w, "»", fmt.Sprintf("Wave %d opened (%s)", ev.Wave, ev.Message), color.FgBlue)
	case orchestrator.EventWaveClosed:
		printStatus(w, "«", fmt.Sprintf("Wave %d closed", ev.Wave), color.FgBlue)
	case orchestrator.EventTaskClaimed:
		printStatus(w, "●", fmt.Sprintf("%s claimed by %s", task, ev.Worker), color.FgCyan)
	case orchestrator.EventTaskReleased:
		printStatus(w, "✓", fmt.Sprintf("%s %s", task, ev.Status), statusColor(ev.Status))
	case orchestrator.EventTaskBlocked:
		printStatus(w, "◐", fmt.Sprintf("%s blocked: %s", task, firstLine(ev.Message)), color.FgYellow)
	case orchestrator.EventTaskEscalated:
		printStatus(w, "!", fmt.Sprintf("%s escalated: %s", task, ev.Message), color.FgRed)
	case orchestrator.EventTaskUnblocked:
		printStatus(w, "○", fmt.Sprintf("%s unblocked", task), color.FgGreen)
	case orchestrator.EventTaskSkipped:
		logger.L.WithField("task_id", ev.TaskID).WithError(ev.Error).Debug("claim skipped")
	}
}

func printSummary(w io.Writer, r *orchestrator.RunResult) {
	fmt.Fprintln(w)
	symbol, attr := "✓", color.FgGreen
	if r.Status == orchestrator.RunStalled {
		symbol, attr = "!", color.FgYellow
	}
	printStatus(w, symbol, fmt.Sprintf("Run %s: %d dispatched over %d waves", r.Status, r.Dispatched, len(r.Waves)), attr)

	lines := []struct {
		label string
		ids   []int64
	}{
		{"Blocked", r.Blocked},
		{"Escalated", r.Escalated},
		{"In review", r.InReview},
		{"Waiting", r.Waiting},
		{"Stranded", r.Stranded},
	}
	for _, l := range lines {
		if len(l.ids) > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", l.label+":", formatIDs(l.ids))
		}
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func runWaves(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	return withApp(ctx, func(a *app) error {
		g, err := graph.Load(ctx, a.store)
		if err != nil {
			return err
		}

		waves := g.Waves()
		if len(waves) == 0 && len(g.Stranded()) == 0 {
			fmt.Fprintln(out, "No open tasks.")
		}
		for i, wave := range waves {
			fmt.Fprintf(out, "Wave %d:\n", i+1)
			for _, t := range wave {
				printWaveTask(out, t)
			}
		}
		if stranded := g.Stranded(); len(stranded) > 0 {
			fmt.Fprintln(out, "Stranded (a dependency was cancelled):")
			for _, t := range stranded {
				printWaveTask(out, t)
			}
		}

		if !wavesAll {
			return nil
		}
		tasks, err := a.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Finished:")
		for _, t := range tasks {
			if t.Status.Terminal() {
				printWaveTask(out, t)
			}
		}
		return nil
	})
}

func printWaveTask(w io.Writer, t *models.Task) {
	extra := ""
	if t.Owner != "" {
		extra = " (" + t.Owner + ")"
	}
	if t.Escalated {
		extra += color.RedString(" escalated")
	}
	fmt.Fprintf(w, "  %-6s %-12s %s%s\n", strconv.FormatInt(t.ID, 10), color.New(statusColor(t.Status)).Sprint(t.Status), t.Title, extra)
}
