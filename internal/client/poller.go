package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"experimenter/internal/domain"
)

// DefaultPollInterval is used when no interval is given.
const DefaultPollInterval = 30 * time.Second

var ErrPolling = errors.New("poller already running")

// Fetcher loads a single experiment; *Client satisfies it.
type Fetcher interface {
	Experiment(ctx context.Context, id int64) (*domain.Experiment, error)
}

// Poller re-fetches one experiment on a fixed interval and hands every
// successful read to OnUpdate.
type Poller struct {
	fetcher  Fetcher
	id       int64
	interval time.Duration
	logger   *zap.Logger

	OnUpdate func(*domain.Experiment)
	OnError  func(error)

	mu     sync.Mutex
	last   *domain.Experiment
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(f Fetcher, id int64, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{fetcher: f, id: id, interval: interval, logger: logger}
}

// Start fetches immediately and then on every tick until ctx is cancelled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrPolling
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			_ = p.Refetch(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

// Stop ends polling and waits for the loop to exit. It is safe to call more
// than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refetch reads the experiment now. It matches approval.Refetch.
func (p *Poller) Refetch(ctx context.Context) error {
	exp, err := p.fetcher.Experiment(ctx, p.id)
	if err == nil && exp == nil {
		err = errors.New("experiment not found")
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("poll failed", zap.Int64("experiment_id", p.id), zap.Error(err))
		if p.OnError != nil {
			p.OnError(err)
		}
		return err
	}
	p.mu.Lock()
	p.last = exp
	p.mu.Unlock()
	if p.OnUpdate != nil {
		p.OnUpdate(exp)
	}
	return nil
}

// Last is the most recent successful read, or nil.
func (p *Poller) Last() *domain.Experiment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
