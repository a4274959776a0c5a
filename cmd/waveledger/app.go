package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"

	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/lock"
	"github.com/ShayCichocki/waveledger/internal/logger"
	"github.com/ShayCichocki/waveledger/internal/notify"
)

// app holds what a command needs to work on the ledger.
type app struct {
	store *ledger.Store
	locks *lock.Manager
	// hub receives every change this process commits.
	hub     *notify.Hub
	nats    *notify.NATS
	watcher *notify.FileWatcher
}

// openApp opens the configured ledger. Changes are announced on an in-process
// hub and, when notify.nats_url is set, relayed over NATS. watch also starts
// a file watcher on the database so commands that wait for changes see
// writes from other processes.
func openApp(ctx context.Context, watch bool, lockOpts ...lock.Option) (*app, error) {
	a := &app{hub: notify.NewHub(64)}
	publishers := notify.Publishers{a.hub}

	if cfg.Notify.NatsURL != "" {
		n, err := notify.ConnectNATS(ctx, cfg.Notify.NatsURL, cfg.Notify.Subject)
		if err != nil {
			return nil, err
		}
		a.nats = n
		publishers = append(publishers, n)
	}

	store, err := ledger.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.Path, ledger.WithPublisher(publishers))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	a.store = store

	if watch && cfg.Notify.WatchFiles {
		fw, err := notify.NewFileWatcher(cfg.Ledger.Path, 0)
		if err != nil {
			// Polling still picks up changes from other processes.
			logger.G(ctx).WithError(err).Warn("ledger file watcher unavailable")
		} else {
			a.watcher = fw
		}
	}

	opts := append([]lock.Option{lock.WithMaxInProgress(cfg.Scheduler.MaxInProgress)}, lockOpts...)
	a.locks = lock.New(store, opts...)
	return a, nil
}

// Subscribe implements notify.Subscriber over every change source the app
// has: local commits, the file watcher and NATS.
func (a *app) Subscribe() (<-chan notify.Event, func()) {
	sources := []notify.Subscriber{a.hub}
	if a.watcher != nil {
		sources = append(sources, a.watcher)
	}
	if a.nats != nil {
		sources = append(sources, a.nats)
	}
	return notify.Merge(sources...)
}

func (a *app) close() error {
	var result *multierror.Error
	if a.watcher != nil {
		result = multierror.Append(result, a.watcher.Close())
	}
	if a.store != nil {
		result = multierror.Append(result, a.store.Close())
	}
	if a.nats != nil {
		result = multierror.Append(result, a.nats.Close())
	}
	return result.ErrorOrNil()
}

// withApp opens the ledger, runs fn and closes everything.
func withApp(ctx context.Context, fn func(a *app) error) (err error) {
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// absLedgerPath is handed to shell workers so nested waveledger calls find
// the same ledger from any directory.
func absLedgerPath() string {
	if p, err := filepath.Abs(cfg.Ledger.Path); err == nil {
		return p
	}
	return cfg.Ledger.Path
}

// defaultWorker is the worker id for claim commands: the scheduler exports
// WAVELEDGER_WORKER to the commands it runs.
func defaultWorker() string {
	return os.Getenv("WAVELEDGER_WORKER")
}
