// Package publisher runs the publish sweep on a cron schedule. Each sweep
// pushes approved changes to the publish gate and settles waiting ones.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"experimenter/internal/engine"
	"experimenter/internal/metrics"
)

// Sweeper performs one publisher pass.
type Sweeper interface {
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

var ErrRunning = errors.New("publisher already running")

type Publisher struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	running bool
	entry   cron.EntryID
	// stop is closed by Stop; watched is closed once the ctx watcher exits.
	stop    chan struct{}
	watched chan struct{}
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates schedule and builds a stopped publisher.
func New(s Sweeper, schedule string, logger *zap.Logger, m *metrics.Metrics) (*Publisher, error) {
	if s == nil {
		return nil, errors.New("sweeper required")
	}
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("publisher schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Publisher{
		sweeper:  s,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:   logger,
		metrics:  m,
	}, nil
}

// Start schedules sweeps until ctx is cancelled or Stop is called.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	id, err := p.cron.AddFunc(p.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = p.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	p.entry = id
	p.running = true
	stop, watched := make(chan struct{}), make(chan struct{})
	p.stop, p.watched = stop, watched
	p.cron.Start()
	p.logger.Info("publisher started", zap.String("schedule", p.schedule))
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			p.halt(stop)
		case <-stop:
		}
	}()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// halt stops the run that owns stop. A later Start has its own channel, so a
// watcher of an earlier run cannot stop it.
func (p *Publisher) halt(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.stopLocked()
	}
}

func (p *Publisher) stopLocked() {
	if !p.running {
		return
	}
	close(p.stop)
	<-p.cron.Stop().Done()
	p.cron.Remove(p.entry)
	p.running = false
	p.logger.Info("publisher stopped")
}

// RunOnce runs a single sweep now.
func (p *Publisher) RunOnce(ctx context.Context) (engine.SweepResult, error) {
	res, err := p.sweeper.Sweep(ctx)
	p.metrics.Sweep(err)
	if err != nil {
		p.logger.Error("publish sweep failed", zap.Error(err))
		return res, err
	}
	if res.Total() > 0 {
		p.logger.Info("publish sweep",
			zap.Int("pushed", res.Pushed),
			zap.Int("completed", res.Completed),
			zap.Int("expired", res.Expired),
			zap.Int("ended", res.Ended))
	} else {
		p.logger.Debug("publish sweep found nothing to do")
	}
	return res, nil
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
