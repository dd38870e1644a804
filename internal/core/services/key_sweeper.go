package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/scripthub/licensing/internal/core/ports"
)

// KeySweeper periodically expires keys whose expires_at has passed, so listings
// and key counts stay accurate for keys nobody validates anymore.
type KeySweeper struct {
	svc      ports.LicenseService
	interval time.Duration
	logger   *slog.Logger
}

func NewKeySweeper(svc ports.LicenseService, interval time.Duration, logger *slog.Logger) *KeySweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &KeySweeper{svc: svc, interval: interval, logger: logger}
}

// Start runs a sweep immediately and then on every interval until ctx is cancelled.
func (k *KeySweeper) Start(ctx context.Context) {
	k.logger.Info("starting key sweeper", "interval", k.interval)

	k.Sweep(ctx)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("key sweeper stopped")
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep performs a single expiry pass and returns the number of keys expired.
func (k *KeySweeper) Sweep(ctx context.Context) int64 {
	n, err := k.svc.ExpireOverdueKeys(ctx)
	if err != nil {
		k.logger.Error("key sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		k.logger.Info("expired overdue license keys", "count", n)
	}
	return n
}
