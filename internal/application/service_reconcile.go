package application

import (
	"context"
	"log/slog"

	"github.com/voicegrid/licensing-service/internal/ports"
)

// ReconcileOnce runs one full consistency pass over both stores. Each step is
// independent: a failure is logged and the pass moves on, so a broken store
// never blocks the cleanups that do not need it. The pass itself never errors.
func (s *Service) ReconcileOnce(ctx context.Context) {
	log := s.log().With("operation", "reconcile")
	now := s.nowFn()

	// Step 1: session rows pointing at license records that no longer exist.
	if n, err := s.sessions.DeleteOrphaned(ctx); err != nil {
		log.Warn("orphaned session cleanup failed", "step", "orphaned_sessions", "error", err)
	} else if n > 0 {
		log.Info("deleted orphaned session rows", "step", "orphaned_sessions", "count", n)
	}

	// Step 2: active rows that outlived their heartbeat window, the absolute
	// age ceiling, or never heartbeat after a restart.
	expired, err := s.sessions.ExpireStale(ctx,
		now.Add(-s.cfg.SessionAbsoluteCeiling),
		now.Add(-s.cfg.HeartbeatWindow),
		now.Add(-s.cfg.StartupGrace),
		now,
	)
	if err != nil {
		log.Warn("stale session expiry failed", "step", "stale_sessions", "error", err)
	} else if expired > 0 {
		log.Info("expired stale session rows", "step", "stale_sessions", "count", expired)
	}

	// Step 3: cache entries whose durable row is gone or no longer active.
	// Removing an entry also releases its set membership and counter slot, so
	// this is what heals a counter drifted by a lost backup write. Surviving
	// entries are tallied per counter so drift the removals cannot reach, a
	// hash expired by TTL while siblings kept the counter key alive, is
	// resynchronized afterwards.
	ids, err := s.cache.ScanSessionIDs(ctx)
	if err != nil {
		log.Warn("cache scan failed", "step", "cache_orphans", "error", err)
	} else {
		removed := 0
		sweepClean := true
		survivors := map[ports.CounterRef]int{}
		for _, id := range ids {
			entry, serr := s.cache.Session(ctx, id)
			if serr != nil || entry == nil {
				sweepClean = false
				continue
			}
			ref := ports.CounterRef{LicenseID: entry.LicenseID, Feature: entry.Feature}
			active, aerr := s.sessions.ExistsActive(ctx, id)
			if aerr != nil {
				log.Warn("durable lookup failed during cache sweep", "step", "cache_orphans", "session_id", id, "error", aerr)
				survivors[ref]++
				sweepClean = false
				continue
			}
			if active {
				survivors[ref]++
				continue
			}
			if rerr := s.cache.Remove(ctx, id, entry.UserID, entry.Feature, entry.LicenseID); rerr != nil {
				log.Warn("cache entry removal failed", "step", "cache_orphans", "session_id", id, "error", rerr)
				survivors[ref]++
				sweepClean = false
				continue
			}
			removed++
		}
		if removed > 0 {
			log.Info("removed cache entries without live durable rows", "step", "cache_orphans", "count", removed)
		}
		// Only resync counters off a sweep that saw every entry; a partial
		// tally would undercount and strand live sessions.
		if sweepClean {
			s.resyncCounters(ctx, log, survivors)
		}
	}

	// Step 4: license hygiene. Stale records past grace become failed, and
	// failed records past retention are physically dropped once nothing
	// references them.
	if n, err := s.licenses.MarkStaleAsFailed(ctx, now.Add(-s.cfg.LicenseGracePeriod)); err != nil {
		log.Warn("stale license demotion failed", "step", "license_hygiene", "error", err)
	} else if n > 0 {
		log.Info("marked stale licenses as failed", "step", "license_hygiene", "count", n)
	}
	if n, err := s.licenses.DeleteFailedBefore(ctx, now.Add(-s.cfg.FailedLicenseRetention)); err != nil {
		log.Warn("failed license purge failed", "step", "license_hygiene", "error", err)
	} else if n > 0 {
		log.Info("purged failed license rows", "step", "license_hygiene", "count", n)
	}
}

// resyncCounters overwrites every live admission counter with the number of
// session hashes observed for it. This is the only path that can reclaim a
// slot whose hash expired by TTL while sibling sessions kept the shared
// counter key alive.
func (s *Service) resyncCounters(ctx context.Context, log *slog.Logger, survivors map[ports.CounterRef]int) {
	refs, err := s.cache.ScanCounters(ctx)
	if err != nil {
		log.Warn("counter scan failed", "step", "counter_resync", "error", err)
		return
	}
	for _, ref := range refs {
		want := survivors[ref]
		have, cerr := s.cache.Count(ctx, ref.LicenseID, ref.Feature)
		if cerr != nil || have == want {
			continue
		}
		if serr := s.cache.SetCount(ctx, ref, want, s.cfg.SessionTTL); serr != nil {
			log.Warn("counter resync failed", "step", "counter_resync", "license_id", ref.LicenseID, "feature", ref.Feature, "error", serr)
			continue
		}
		log.Info("admission counter resynchronized",
			"step", "counter_resync",
			"license_id", ref.LicenseID,
			"feature", ref.Feature,
			"previous", have,
			"current", want,
		)
	}
}
