package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PrunePolicy bounds the size of the report and profile collections. The
// outbox and settings are never pruned.
type PrunePolicy struct {
	MaxReports int
	ProfileTTL time.Duration
}

// DefaultPrunePolicy keeps 5000 reports and profiles fetched in the last 30 days.
func DefaultPrunePolicy() PrunePolicy {
	return PrunePolicy{
		MaxReports: 5000,
		ProfileTTL: 30 * 24 * time.Hour,
	}
}

// PruneResult counts the records removed by a prune run.
type PruneResult struct {
	Reports  int64
	Profiles int64
}

// PruneReports keeps the newest keep reports by creation time.
func (c *Cache) PruneReports(ctx context.Context, keep int) (int64, error) {
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM reports WHERE id NOT IN (
			SELECT id FROM reports ORDER BY ord DESC, id LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	return res.RowsAffected()
}

// PruneProfiles deletes profiles not fetched since now-ttl.
func (c *Cache) PruneProfiles(ctx context.Context, ttl time.Duration, now time.Time) (int64, error) {
	db, err := c.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM profiles WHERE ord < ?`, now.Add(-ttl).Unix())
	if err != nil {
		return 0, fmt.Errorf("prune profiles: %w", err)
	}
	return res.RowsAffected()
}

// Prune applies the policy to both collections.
func (c *Cache) Prune(ctx context.Context, p PrunePolicy) (PruneResult, error) {
	var res PruneResult
	var err error
	if p.MaxReports > 0 {
		if res.Reports, err = c.PruneReports(ctx, p.MaxReports); err != nil {
			return res, err
		}
	}
	if p.ProfileTTL > 0 {
		if res.Profiles, err = c.PruneProfiles(ctx, p.ProfileTTL, time.Now()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// RunPruner prunes immediately and then every interval until ctx is done.
func (c *Cache) RunPruner(ctx context.Context, p PrunePolicy, every time.Duration) {
	prune := func() {
		res, err := c.Prune(ctx, p)
		if err != nil {
			slog.Warn("prune failed", "component", "cache", "error", err)
			return
		}
		if res.Reports > 0 || res.Profiles > 0 {
			slog.Info("pruned cache", "component", "cache", "reports", res.Reports, "profiles", res.Profiles)
		}
	}

	prune()
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prune()
			}
		}
	}()
}
