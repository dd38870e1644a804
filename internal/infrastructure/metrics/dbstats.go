package metrics

import (
	"context"
	"database/sql"
	"time"
)

// StatsSource is satisfied by *sql.DB.
type StatsSource interface {
	Stats() sql.DBStats
}

// RecordDBStats publishes the current pool statistics.
func RecordDBStats(db StatsSource) {
	DBConnectionsActive.Set(float64(db.Stats().InUse))
}

// StartDBStatsCollector records pool statistics every interval until ctx is done.
func StartDBStatsCollector(ctx context.Context, db StatsSource, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				RecordDBStats(db)
			}
		}
	}()
}
