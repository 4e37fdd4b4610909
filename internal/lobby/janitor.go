package lobby

import (
	"context"
	"sync"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
)

const (
	DefaultPurgeAfter    = 24 * time.Hour
	DefaultPurgeInterval = 10 * time.Minute
)

// Janitor periodically deletes lobbies that have been idle too long.
type Janitor struct {
	purger   Purger
	after    time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewJanitor(purger Purger, after, interval time.Duration, log *logger.Logger) *Janitor {
	if after <= 0 {
		after = DefaultPurgeAfter
	}
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Janitor{
		purger:   purger,
		after:    after,
		interval: interval,
		now:      time.Now,
		logger:   log,
	}
}

// RunOnce purges lobbies whose last activity is older than the idle limit.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.purger.PurgeInactive(ctx, j.now().Add(-j.after))
	if err != nil {
		j.logger.Errorf("failed to purge inactive lobbies: %v", err)
		return 0, err
	}
	if n > 0 {
		j.logger.Infof("purged %d inactive lobbies", n)
	}
	return n, nil
}

// Start runs RunOnce on every interval until Stop or ctx cancellation.
// Errors are logged and the loop keeps going.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = j.RunOnce(ctx)
			}
		}
	}(j.done)
}

func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
