// Package supervisor owns the ledger and store connections and walks the
// mirror through connect, backfill and live ingestion, restarting the whole
// session whenever a dependency is lost.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ownershipMirror/internal/indexer"
	"ownershipMirror/internal/ledger"
	"ownershipMirror/internal/storage"
)

// Session is the set of live resources for one connection attempt.
type Session struct {
	Gateway ledger.Gateway
	Store   storage.Store
}

func (s *Session) close() {
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// Connector opens the resources of a new session.
type Connector interface {
	Connect(ctx context.Context) (*Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (*Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// Config holds runtime settings for the supervisor and the components it runs.
type Config struct {
	Backfill             indexer.BackfillConfig
	Subscriber           indexer.SubscriberConfig
	Reconciler           indexer.ReconcilerConfig
	Sweeper              indexer.SweeperConfig
	DeadLetterCeiling    int
	StoreTimeout         time.Duration
	ConnectRetryInterval time.Duration
	RestartDelay         time.Duration
}

// Supervisor runs sessions until its context is cancelled.
type Supervisor struct {
	cfg        Config
	connector  Connector
	terminal   indexer.TerminalSink
	metrics    *indexer.Metrics
	stateGauge *prometheus.GaugeVec
	logger     *zap.Logger
	state      atomic.Int32
}

// New builds a Supervisor. terminal may be nil. The state gauge is
// registered on reg when non-nil.
func New(cfg Config, connector Connector, terminal indexer.TerminalSink, metrics *indexer.Metrics, reg prometheus.Registerer, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = indexer.NewMetrics(nil)
	}
	if cfg.ConnectRetryInterval <= 0 {
		cfg.ConnectRetryInterval = 5 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mirror_supervisor_state",
		Help: "1 for the current supervisor state, 0 otherwise",
	}, []string{"state"})
	if reg != nil {
		reg.MustRegister(gauge)
	}

	sv := &Supervisor{
		cfg:        cfg,
		connector:  connector,
		terminal:   terminal,
		metrics:    metrics,
		stateGauge: gauge,
		logger:     logger,
	}
	sv.setState(Connecting)
	return sv
}

// State returns the current lifecycle phase.
func (sv *Supervisor) State() State {
	return State(sv.state.Load())
}

func (sv *Supervisor) setState(next State) {
	prev := State(sv.state.Swap(int32(next)))
	for _, s := range states {
		value := 0.0
		if s == next {
			value = 1
		}
		sv.stateGauge.WithLabelValues(s.String()).Set(value)
	}
	if prev != next {
		sv.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	}
}

// Run connects, backfills and ingests live events, restarting after any
// session failure. It returns nil once ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		sv.setState(Connecting)
		logger := sv.logger.With(zap.String("session_id", uuid.NewString()))

		session, err := sv.connect(ctx, logger)
		if err != nil {
			break
		}

		err = sv.runSession(ctx, session, logger)
		session.close()
		if ctx.Err() != nil {
			break
		}

		sv.setState(Degraded)
		logger.Error("session failed; restarting",
			zap.Error(err),
			zap.String("kind", indexer.KindOf(err).String()),
			zap.Duration("restart_in", sv.cfg.RestartDelay),
		)
		if !sleep(ctx, sv.cfg.RestartDelay) {
			break
		}
	}

	sv.setState(ShuttingDown)
	sv.logger.Info("supervisor stopped")
	return nil
}

// connect retries at a constant interval until a session is open and its
// schema is in place, or ctx is done.
func (sv *Supervisor) connect(ctx context.Context, logger *zap.Logger) (*Session, error) {
	var session *Session
	policy := backoff.WithContext(backoff.NewConstantBackOff(sv.cfg.ConnectRetryInterval), ctx)

	err := backoff.RetryNotify(func() error {
		s, err := sv.connector.Connect(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := s.Store.Migrate(ctx); err != nil {
			s.close()
			return fmt.Errorf("migrate: %w", err)
		}
		session = s
		return nil
	}, policy, func(err error, d time.Duration) {
		logger.Warn("connect failed",
			zap.Error(err),
			zap.String("kind", indexer.KindFatalConnection.String()),
			zap.Duration("retry_in", d),
		)
	})
	if err != nil {
		return nil, err
	}
	logger.Info("session connected")
	return session, nil
}

func (sv *Supervisor) runSession(ctx context.Context, session *Session, logger *zap.Logger) error {
	cfg := sv.cfg
	dlq := indexer.NewDeadLetterQueue(session.Store, cfg.DeadLetterCeiling, cfg.StoreTimeout, sv.terminal, sv.metrics, logger)
	applier := indexer.NewApplier(session.Store, cfg.StoreTimeout, sv.metrics, logger)
	backfill := indexer.NewBackfill(cfg.Backfill, session.Gateway, session.Store, applier, dlq, sv.metrics, logger)

	sv.setState(Backfilling)
	var last uint64
	err := safely(logger, "backfill", func() error {
		var err error
		last, err = backfill.Run(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}

	stream, err := session.Gateway.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stream.Close()

	// Close the window between the backfill head and the subscription.
	err = safely(logger, "catch-up", func() error {
		var err error
		last, err = backfill.CatchUp(ctx, last+1)
		return err
	})
	if err != nil {
		return fmt.Errorf("catch-up: %w", err)
	}

	subscriber := indexer.NewSubscriber(cfg.Subscriber, applier, dlq, sv.metrics, logger)
	reconciler := indexer.NewReconciler(cfg.Reconciler, session.Gateway, session.Store, sv.metrics, logger)
	sweeper := indexer.NewSweeper(cfg.Sweeper, applier, dlq, sv.metrics, logger)

	sv.setState(Live)
	logger.Info("live", zap.Uint64("from_block", last+1))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return safely(logger, "subscriber", func() error { return subscriber.Run(gctx, stream) })
	})
	g.Go(func() error {
		return safely(logger, "reconciler", func() error { return reconciler.Run(gctx) })
	})
	g.Go(func() error {
		return safely(logger, "sweeper", func() error { return sweeper.Run(gctx) })
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return errors.New("live activities stopped")
	}
	return nil
}

// safely runs fn and turns a panic into an error.
func safely(logger *zap.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("activity panicked",
				zap.String("activity", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
