// Package orchestrator schedules ledger tasks and handles blocked ones.
//
// The Scheduler re-reads the ledger on every pass, builds the dependency
// graph and groups newly ready tasks into numbered waves. Ready tasks are
// claimed through the lock manager, in wave order and then creation order,
// while fewer than the configured number of tasks are in progress across the
// whole ledger. Each claimed task runs on an Executor in its own goroutine and
// is released with the executor's Outcome.
//
// The Resolver lists blocked tasks, runs BlockerChecks to unblock them, and
// escalates tasks that stay blocked for a full wave cycle. Escalation only
// flags the task; an operator decides what happens next.
//
// Example usage:
//
//	locks := lock.New(store, lock.WithMaxInProgress(3))
//	sched := orchestrator.NewScheduler(store, locks, orchestrator.NewShellExecutor("make task", ""))
//	result, err := sched.Run(ctx)
package orchestrator
