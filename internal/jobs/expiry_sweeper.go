package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer expires matchings whose overall deadline passed.
type Expirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// ExpirySweeper periodically forces stale matchings into expired.
type ExpirySweeper struct {
	expirer Expirer
	spec    string
	timeout time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewExpirySweeper creates a sweeper running on the given cron spec,
// e.g. "@every 30s".
func NewExpirySweeper(expirer Expirer, spec string, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		expirer: expirer,
		spec:    spec,
		timeout: 20 * time.Second,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger.With("component", "expiry_sweeper"),
	}
}

func (j *ExpirySweeper) Start() error {
	if _, err := j.cron.AddFunc(j.spec, j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("expiry sweeper started", "spec", j.spec)
	return nil
}

// RunOnce performs a single sweep.
func (j *ExpirySweeper) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	n, err := j.expirer.ExpireStale(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "expiry sweep failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "expired stale matchings", "expired", n)
	}
}

// Stop stops scheduling and waits for a running sweep to finish.
func (j *ExpirySweeper) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("expiry sweeper stopped")
}
