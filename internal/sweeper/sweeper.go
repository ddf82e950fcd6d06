package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/metrics"
	"github.com/pesio-ai/be-escalation-approvals/internal/service"
)

// TimeoutChecker is the part of the workflow engine the sweeper drives.
type TimeoutChecker interface {
	CheckTimeouts(ctx context.Context) (service.SweepResult, error)
}

// Sweeper periodically moves overdue workflows to TIMEOUT. Runs never
// overlap: a tick that fires while the previous sweep is still going is
// dropped.
type Sweeper struct {
	checker  TimeoutChecker
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu      sync.Mutex
	sched   *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup
	running bool
}

// New creates a Sweeper. cron cannot schedule below one second, so shorter
// intervals are rejected.
func New(checker TimeoutChecker, interval time.Duration, m *metrics.Metrics, log *logger.Logger) (*Sweeper, error) {
	if interval < time.Second {
		return nil, errors.InvalidInput("sweeper.interval", fmt.Sprintf("must be at least 1s, got %s", interval))
	}
	return &Sweeper{
		checker:  checker,
		interval: interval,
		metrics:  m,
		log:      log.Component("sweeper"),
	}, nil
}

// Start schedules the sweep and runs one immediately so workflows that
// expired while the service was down are not left waiting a full interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.InvalidState("sweeper already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	sched := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := sched.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		_, _ = s.RunOnce(runCtx)
	}); err != nil {
		cancel()
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to schedule timeout sweep")
	}

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		_, _ = s.RunOnce(runCtx)
	}()

	sched.Start()
	s.sched = sched
	s.cancel = cancel
	s.running = true

	s.log.Info().Dur("interval", s.interval).Msg("Timeout sweeper started")
	return nil
}

// Stop cancels any in-flight sweep and waits for it to return, or for ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	sched, cancel := s.sched, s.cancel
	s.running = false
	s.sched, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		<-sched.Stop().Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Timeout sweeper stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("Timed out waiting for timeout sweeper to stop")
		return ctx.Err()
	}
}

// Running reports whether the sweeper is scheduled.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce performs a single sweep and records its outcome.
func (s *Sweeper) RunOnce(ctx context.Context) (service.SweepResult, error) {
	start := time.Now()
	res, err := s.checker.CheckTimeouts(ctx)
	elapsed := time.Since(start)

	failed := res.Failed
	if err != nil {
		failed++
	}
	s.metrics.Sweep(elapsed.Seconds(), res.TimedOut, failed)

	if err != nil {
		s.log.Error().Err(err).Int("timed_out", res.TimedOut).Msg("Timeout sweep failed")
		return res, err
	}

	ev := s.log.Debug()
	if res.TimedOut > 0 || res.Failed > 0 {
		ev = s.log.Info()
	}
	ev.Int("scanned", res.Scanned).
		Int("timed_out", res.TimedOut).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Dur("duration", elapsed).
		Msg("Timeout sweep finished")
	return res, nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
