package ipblock

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/lexgate/lexgate/internal/kvstore"
)

const (
	blockedPrefix = "blocked_ips:"
	whitelistKey  = "whitelisted_ips"

	// PermanentBlock disables the TTL on a block record.
	PermanentBlock = 0
)

// Record describes one blocked IP as persisted in the store.
type Record struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	BlockedAt string `json:"blocked_at"`
	ExpiresAt string `json:"expires_at"`
	// TTLSeconds is the remaining block lifetime when listed; -1 for
	// permanent blocks. Populated on read, not persisted.
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// Blocker manages block records and the whitelist set in the shared store.
// All operations fail open: a store failure never blocks traffic, it only
// stops new blocks from taking effect.
type Blocker struct {
	store  *kvstore.Store
	logger *slog.Logger
}

// New constructs the blocker.
func New(store *kvstore.Store, logger *slog.Logger) *Blocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Blocker{
		store:  store,
		logger: logger.With(slog.String("component", "ipblock")),
	}
}

// IsBlocked reports whether the IP has an active block record. A whitelisted
// IP is never reported as blocked, which pins the precedence rule regardless
// of caller ordering.
func (b *Blocker) IsBlocked(ctx context.Context, ip string) bool {
	if b.IsWhitelisted(ctx, ip) {
		return false
	}
	return b.store.Exists(ctx, blockedPrefix+ip)
}

// IsWhitelisted reports whitelist membership.
func (b *Blocker) IsWhitelisted(ctx context.Context, ip string) bool {
	return b.store.SIsMember(ctx, whitelistKey, ip)
}

// Block writes a block record for the IP. A zero duration blocks permanently.
func (b *Blocker) Block(ctx context.Context, ip, reason string, durationHours int) bool {
	if strings.TrimSpace(ip) == "" {
		return false
	}
	if reason == "" {
		reason = "abuse"
	}

	now := time.Now().UTC()
	record := Record{
		IP:        ip,
		Reason:    reason,
		BlockedAt: now.Format(time.RFC3339),
		ExpiresAt: "never",
	}
	var ttl time.Duration
	if durationHours > 0 {
		ttl = time.Duration(durationHours) * time.Hour
		record.ExpiresAt = now.Add(ttl).Format(time.RFC3339)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		b.logger.Warn("block record marshal failed", slog.String("ip", ip), slog.Any("error", err))
		return false
	}

	ok := b.store.Set(ctx, blockedPrefix+ip, string(payload), ttl)
	if ok {
		b.logger.Warn("ip blocked",
			slog.String("ip", ip),
			slog.String("reason", reason),
			slog.Int("duration_hours", durationHours))
	}
	return ok
}

// Unblock removes the block record for the IP.
func (b *Blocker) Unblock(ctx context.Context, ip string) bool {
	ok := b.store.Delete(ctx, blockedPrefix+ip)
	if ok {
		b.logger.Info("ip unblocked", slog.String("ip", ip))
	}
	return ok
}

// AddToWhitelist inserts the IP into the whitelist set. Whitelisted IPs
// bypass blocking and rate limiting entirely.
func (b *Blocker) AddToWhitelist(ctx context.Context, ip string) bool {
	if strings.TrimSpace(ip) == "" {
		return false
	}
	ok := b.store.SAdd(ctx, whitelistKey, ip)
	if ok {
		b.logger.Info("ip whitelisted", slog.String("ip", ip))
	}
	return ok
}

// RemoveFromWhitelist removes the IP from the whitelist set.
func (b *Blocker) RemoveFromWhitelist(ctx context.Context, ip string) bool {
	ok := b.store.SRem(ctx, whitelistKey, ip)
	if ok {
		b.logger.Info("ip removed from whitelist", slog.String("ip", ip))
	}
	return ok
}

// BlockedIPs lists every active block record with its remaining TTL. Records
// that fail to decode are reported with reason "unknown" rather than dropped,
// so operators still see the key.
func (b *Blocker) BlockedIPs(ctx context.Context) []Record {
	keys := b.store.Keys(ctx, blockedPrefix+"*")
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		raw, ok := b.store.Get(ctx, key)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			// Legacy or corrupted record; surface the IP from the key.
			records = append(records, Record{
				IP:     strings.TrimPrefix(key, blockedPrefix),
				Reason: "unknown",
			})
			continue
		}
		record.TTLSeconds = b.remainingTTL(ctx, key)
		records = append(records, record)
	}
	return records
}

// Whitelist lists the whitelisted IPs.
func (b *Blocker) Whitelist(ctx context.Context) []string {
	return b.store.SMembers(ctx, whitelistKey)
}

// BlockInfo returns the block record for one IP, if present.
func (b *Blocker) BlockInfo(ctx context.Context, ip string) (Record, bool) {
	key := blockedPrefix + ip
	raw, ok := b.store.Get(ctx, key)
	if !ok {
		return Record{}, false
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{IP: ip, Reason: "unknown"}, true
	}
	record.TTLSeconds = b.remainingTTL(ctx, key)
	return record, true
}

func (b *Blocker) remainingTTL(ctx context.Context, key string) int64 {
	ttl, ok := b.store.TTL(ctx, key)
	if !ok {
		return 0
	}
	if ttl < 0 {
		return -1
	}
	return int64(ttl / time.Second)
}
