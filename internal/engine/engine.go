// Package engine wires the broker's eight components (§4) into one running
// process: it owns no business logic of its own, only construction order,
// startup hydration, and graceful shutdown.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/taskbroker/internal/clock"
	"github.com/kdlbs/taskbroker/internal/common/config"
	"github.com/kdlbs/taskbroker/internal/common/logger"
	"github.com/kdlbs/taskbroker/internal/db"
	"github.com/kdlbs/taskbroker/internal/db/dialect"
	"github.com/kdlbs/taskbroker/internal/events"
	"github.com/kdlbs/taskbroker/internal/matcher"
	"github.com/kdlbs/taskbroker/internal/queue"
	"github.com/kdlbs/taskbroker/internal/registry"
	"github.com/kdlbs/taskbroker/internal/scheduler"
	"github.com/kdlbs/taskbroker/internal/storage"
	"github.com/kdlbs/taskbroker/internal/toolsurface"
	"github.com/kdlbs/taskbroker/internal/waiter"
)

// Engine holds every collaborator of §4 plus the cleanup functions needed
// to unwind them in reverse construction order.
type Engine struct {
	Store      storage.Store
	Sink       *events.Sink
	Clock      clock.Clock
	Registry   *registry.Registry
	Waiters    *waiter.Table
	Reserver   *matcher.Reserver
	Queue      *queue.Queue
	Scheduler  *scheduler.Scheduler
	Dispatcher *toolsurface.Dispatcher

	logger  *logger.Logger
	closers []func() error
}

// New constructs every component and hydrates the ones with in-memory
// state (Registry, Queue) from Persistence, but does not start the
// scheduler - call Start for that.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, validator toolsurface.PromptValidator) (*Engine, error) {
	e := &Engine{logger: log, Clock: clock.Real{}}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e.Store = store
	e.addCloser(store.Close)

	providedBus, closeBus, err := events.ProvideBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("provide event bus: %w", err)
	}
	e.addCloser(closeBus)
	e.Sink = events.NewSink(providedBus.Bus)

	e.Registry = registry.New(store, e.Sink, e.Clock, cfg.Registry, log)
	if err := e.Registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	e.Waiters = waiter.New()
	e.Reserver = matcher.NewReserver(store, e.Waiters, e.Sink, e.Clock, cfg.Matcher.MaxWait())

	e.Queue = queue.New(store, e.Sink, e.Clock, e.Waiters, e.Reserver, e.Registry, cfg.Matcher.MaxWait(), log)
	if err := e.Queue.Load(ctx); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	e.Scheduler = scheduler.New(store, e.Queue, e.Reserver, e.Registry, e.Sink, e.Clock, cfg.Scheduler, log)

	e.Dispatcher = toolsurface.New(&toolsurface.Deps{
		Registry:  e.Registry,
		Queue:     e.Queue,
		Waiters:   e.Waiters,
		Store:     store,
		Sink:      e.Sink,
		Clock:     e.Clock,
		Cfg:       cfg.ToolSurface,
		Logger:    log,
		Validator: validator,
	})

	return e, nil
}

// Start begins the background scheduler loop.
func (e *Engine) Start(ctx context.Context) error {
	return e.Scheduler.Start(ctx)
}

// Shutdown stops the scheduler, wakes every blocked waiter with a nil
// result so no wait_for_prompt call hangs past process lifetime, and
// unwinds every resource opened by New, in reverse order.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.Scheduler.IsRunning() {
		if err := e.Scheduler.Stop(); err != nil {
			e.logger.WithError(err).Warn("scheduler stop on shutdown")
		}
	}

	for _, w := range e.Waiters.All() {
		w.Signal(waiter.Result{})
	}

	var firstErr error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) addCloser(fn func() error) {
	if fn != nil {
		e.closers = append(e.closers, fn)
	}
}

// openStore opens the configured database driver (§4.B) and wraps it as
// Persistence. Store.Close releases both the writer and reader handles,
// so the engine tracks only that one closer.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Store, error) {
	var writerDB, readerDB *sql.DB
	var driver string
	var err error

	switch cfg.Driver {
	case dialect.PGX, "postgres", "":
		driver = dialect.PGX
		writerDB, err = db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		readerDB = writerDB
	case dialect.SQLite3, "sqlite":
		driver = dialect.SQLite3
		writerDB, err = db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		readerDB, err = db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writerDB.Close()
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	writer := sqlx.NewDb(writerDB, driver)
	reader := writer
	if readerDB != writerDB {
		reader = sqlx.NewDb(readerDB, driver)
	}
	pool := db.NewPool(writer, reader)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	store, err := storage.New(ctx, pool.Writer(), pool.Reader())
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}
