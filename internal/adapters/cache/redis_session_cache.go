package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/voicegrid/licensing-service/internal/domain"
	"github.com/voicegrid/licensing-service/internal/ports"
)

const (
	sessionKeyPrefix = "lic:sess:"
	userSetPrefix    = "lic:user:"
	counterPrefix    = "lic:count:"
)

// RedisSessionCache implements the atomic session cache on Redis primitives:
// a per-session hash, a per-(user,feature) set and a per-(license,feature)
// counter, all mutated through pipelined batches sharing one expiry horizon.
type RedisSessionCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisSessionCache creates the admission cache adapter.
func NewRedisSessionCache(client *redis.Client, logger *slog.Logger) *RedisSessionCache {
	return &RedisSessionCache{client: client, logger: logger}
}

func sessionKey(id uuid.UUID) string { return sessionKeyPrefix + id.String() }

func userSetKey(userID string, feature domain.Feature) string {
	return userSetPrefix + userID + ":" + string(feature)
}

func counterKey(licenseID uuid.UUID, feature domain.Feature) string {
	return counterPrefix + licenseID.String() + ":" + string(feature)
}

// Admit realizes admission as a single atomic increment-and-compare: INCR
// first, then a compensating DECR when the result exceeds quota. This closes
// the check-then-act race between concurrent creates without a second round
// trip holding state.
func (c *RedisSessionCache) Admit(ctx context.Context, entry ports.CachedSession, quota int, ttl time.Duration) (int, error) {
	ckey := counterKey(entry.LicenseID, entry.Feature)
	count, err := c.client.Incr(ctx, ckey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if int(count) > quota {
		if decrErr := c.client.Decr(ctx, ckey).Err(); decrErr != nil {
			c.logger.WarnContext(ctx, "compensating decrement failed",
				"module", "cache",
				"layer", "adapter",
				"operation", "admit",
				"outcome", "failure",
				"counter_key", ckey,
				"error", decrErr,
			)
		}
		return int(count) - 1, domain.ErrLimitExceeded
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		skey := sessionKey(entry.SessionID)
		p.HSet(ctx, skey, sessionHashFields(entry))
		p.Expire(ctx, skey, ttl)
		ukey := userSetKey(entry.UserID, entry.Feature)
		p.SAdd(ctx, ukey, entry.SessionID.String())
		p.Expire(ctx, ukey, ttl)
		p.Expire(ctx, ckey, ttl)
		return nil
	})
	if err != nil {
		// Roll the admission back so the counter does not leak a slot.
		_ = c.client.Decr(ctx, ckey).Err()
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return int(count), nil
}

func (c *RedisSessionCache) ActiveSession(ctx context.Context, userID string, feature domain.Feature) (*ports.CachedSession, error) {
	ids, err := c.client.SMembers(ctx, userSetKey(userID, feature)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	for _, raw := range ids {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			_ = c.client.SRem(ctx, userSetKey(userID, feature), raw).Err()
			continue
		}
		entry, getErr := c.Session(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if entry == nil {
			// Hash expired but set membership survived; repair in place.
			_ = c.client.SRem(ctx, userSetKey(userID, feature), raw).Err()
			continue
		}
		return entry, nil
	}
	return nil, nil
}

func (c *RedisSessionCache) Session(ctx context.Context, sessionID uuid.UUID) (*ports.CachedSession, error) {
	data, err := c.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	entry := parseSessionHash(sessionID, data)
	return &entry, nil
}

func (c *RedisSessionCache) Heartbeat(ctx context.Context, sessionID uuid.UUID, at time.Time, ttl time.Duration) error {
	entry, err := c.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if entry == nil {
		// Session already reconciled away; heartbeat is a no-op.
		return nil
	}
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		skey := sessionKey(sessionID)
		p.HSet(ctx, skey, "last_heartbeat", at.Unix())
		p.Expire(ctx, skey, ttl)
		p.Expire(ctx, userSetKey(entry.UserID, entry.Feature), ttl)
		p.Expire(ctx, counterKey(entry.LicenseID, entry.Feature), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *RedisSessionCache) Remove(ctx context.Context, sessionID uuid.UUID, userID string, feature domain.Feature, licenseID uuid.UUID) error {
	skey := sessionKey(sessionID)
	exists, err := c.client.Exists(ctx, skey).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if exists == 0 {
		// Entry already gone; clear any leftover set membership and stop so a
		// repeated End never double-decrements the counter.
		_ = c.client.SRem(ctx, userSetKey(userID, feature), sessionID.String()).Err()
		return nil
	}

	var decr *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, skey)
		p.SRem(ctx, userSetKey(userID, feature), sessionID.String())
		decr = p.Decr(ctx, counterKey(licenseID, feature))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if decr.Val() < 0 {
		// Underflow: clamp and leave the rest to the reconciler.
		_ = c.client.Set(ctx, counterKey(licenseID, feature), 0, 0).Err()
		c.logger.WarnContext(ctx, "session counter underflow clamped",
			"module", "cache",
			"layer", "adapter",
			"operation", "remove",
			"outcome", "repaired",
			"license_id", licenseID,
			"feature", feature,
		)
	}
	return nil
}

func (c *RedisSessionCache) Count(ctx context.Context, licenseID uuid.UUID, feature domain.Feature) (int, error) {
	raw, err := c.client.Get(ctx, counterKey(licenseID, feature)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, nil
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// ScanSessionIDs walks the session keyspace for reconciliation. Keys holding
// an unexpected data type are deleted defensively.
func (c *RedisSessionCache) ScanSessionIDs(ctx context.Context) ([]uuid.UUID, error) {
	var (
		cursor uint64
		ids    []uuid.UUID
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		for _, key := range keys {
			keyType, typeErr := c.client.Type(ctx, key).Result()
			if typeErr != nil {
				continue
			}
			if keyType != "hash" {
				_ = c.client.Del(ctx, key).Err()
				c.logger.WarnContext(ctx, "unexpected key type deleted",
					"module", "cache",
					"layer", "adapter",
					"operation", "scan_sessions",
					"outcome", "repaired",
					"key", key,
					"type", keyType,
				)
				continue
			}
			raw := strings.TrimPrefix(key, sessionKeyPrefix)
			id, parseErr := uuid.Parse(raw)
			if parseErr != nil {
				_ = c.client.Del(ctx, key).Err()
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

// ScanCounters walks the counter keyspace. Keys whose suffix does not parse
// back into a license id and feature are deleted.
func (c *RedisSessionCache) ScanCounters(ctx context.Context) ([]ports.CounterRef, error) {
	var (
		cursor uint64
		refs   []ports.CounterRef
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, counterPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		for _, key := range keys {
			raw := strings.TrimPrefix(key, counterPrefix)
			parts := strings.SplitN(raw, ":", 2)
			if len(parts) != 2 {
				_ = c.client.Del(ctx, key).Err()
				continue
			}
			licenseID, parseErr := uuid.Parse(parts[0])
			feature, featErr := domain.ParseFeature(parts[1])
			if parseErr != nil || featErr != nil {
				_ = c.client.Del(ctx, key).Err()
				continue
			}
			refs = append(refs, ports.CounterRef{LicenseID: licenseID, Feature: feature})
		}
		cursor = next
		if cursor == 0 {
			return refs, nil
		}
	}
}

func (c *RedisSessionCache) SetCount(ctx context.Context, ref ports.CounterRef, total int, ttl time.Duration) error {
	key := counterKey(ref.LicenseID, ref.Feature)
	if total <= 0 {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		return nil
	}
	if err := c.client.Set(ctx, key, total, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *RedisSessionCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func sessionHashFields(entry ports.CachedSession) map[string]any {
	return map[string]any{
		"user_id":            entry.UserID,
		"username":           entry.Username,
		"feature":            string(entry.Feature),
		"license_id":         entry.LicenseID.String(),
		"client_fingerprint": entry.ClientFingerprint,
		"ip_address":         entry.IPAddress,
		"user_agent":         entry.UserAgent,
		"created_at":         entry.CreatedAt.Unix(),
		"last_heartbeat":     entry.LastHeartbeat.Unix(),
	}
}

func parseSessionHash(sessionID uuid.UUID, data map[string]string) ports.CachedSession {
	entry := ports.CachedSession{
		SessionID:         sessionID,
		UserID:            data["user_id"],
		Username:          data["username"],
		Feature:           domain.Feature(data["feature"]),
		ClientFingerprint: data["client_fingerprint"],
		IPAddress:         data["ip_address"],
		UserAgent:         data["user_agent"],
	}
	if raw, ok := data["license_id"]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			entry.LicenseID = id
		}
	}
	if raw, ok := data["created_at"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			entry.CreatedAt = time.Unix(unix, 0).UTC()
		}
	}
	if raw, ok := data["last_heartbeat"]; ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			entry.LastHeartbeat = time.Unix(unix, 0).UTC()
		}
	}
	return entry
}
