package auth

import (
	"context"
	"time"

	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
)

// ExpiringStore is a one-time token table that can drop its expired rows.
type ExpiringStore interface {
	Table() string
	DeleteExpired(ctx context.Context) (int64, error)
}

// Janitor periodically removes expired verification and reset tokens.
// Reads already ignore expired rows, so the janitor only bounds table growth.
type Janitor struct {
	stores   []ExpiringStore
	interval time.Duration
	log      *logger.Logger
}

func NewJanitor(interval time.Duration, log *logger.Logger, stores ...ExpiringStore) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.Default()
	}
	return &Janitor{stores: stores, interval: interval, log: log.WithComponent("janitor")}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over every store.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, s := range j.stores {
		n, err := s.DeleteExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			j.log.Error(ctx, "failed to delete expired tokens", err, map[string]interface{}{"table": s.Table()})
			continue
		}
		if n > 0 {
			j.log.Info(ctx, "deleted expired tokens", map[string]interface{}{"table": s.Table(), "count": n})
		}
	}
}
