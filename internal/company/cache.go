package company

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/wastedesk/wastedesk/internal/declaration"
	"github.com/wastedesk/wastedesk/internal/shared"
)

// DefaultTTL applies when CachedDirectory is built without a positive ttl.
const DefaultTTL = 15 * time.Minute

// loadTimeout bounds a shared upstream lookup, which outlives its first caller.
const loadTimeout = 10 * time.Second

type cachedParty struct {
	ID                 int64  `json:"id"`
	RegistrationNumber string `json:"registrationNumber"`
	Country            string `json:"country"`
	Name               string `json:"name"`
}

// CachedDirectory fronts a PartyDirectory with a Redis JSON cache. Concurrent
// misses for the same party share one upstream lookup.
type CachedDirectory struct {
	source declaration.PartyDirectory
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

var _ declaration.PartyDirectory = (*CachedDirectory)(nil)

// NewCachedDirectory wraps source. A nil client disables caching.
func NewCachedDirectory(source declaration.PartyDirectory, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedDirectory{source: source, client: client, ttl: ttl, logger: logger}
}

func (d *CachedDirectory) log() *slog.Logger {
	if d.logger != nil {
		return d.logger
	}
	return slog.Default().With(slog.String("component", "party_cache"))
}

// ResolveParty returns the cached party or loads and caches it.
func (d *CachedDirectory) ResolveParty(ctx context.Context, id int64) (declaration.Party, error) {
	if d.client == nil {
		return d.source.ResolveParty(ctx, id)
	}
	key := shared.PartyCacheKey(id)
	payload, err := d.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedParty
		if err := json.Unmarshal(payload, &cached); err == nil {
			return declaration.Party(cached), nil
		}
		d.log().Warn("discarding corrupt party cache entry", slog.Int64("party_id", id))
	case !errors.Is(err, redis.Nil):
		d.log().Warn("party cache read failed", slog.Int64("party_id", id), slog.Any("error", err))
	}

	ch := d.group.DoChan(strconv.FormatInt(id, 10), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		party, err := d.source.ResolveParty(loadCtx, id)
		if err != nil {
			return declaration.Party{}, err
		}
		raw, err := json.Marshal(cachedParty(party))
		if err == nil {
			err = d.client.Set(loadCtx, key, raw, d.ttl).Err()
		}
		if err != nil {
			d.log().Warn("party cache write failed", slog.Int64("party_id", id), slog.Any("error", err))
		}
		return party, nil
	})
	select {
	case <-ctx.Done():
		return declaration.Party{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return declaration.Party{}, res.Err
		}
		return res.Val.(declaration.Party), nil
	}
}

// Forget drops a cached party, for use after master data edits.
func (d *CachedDirectory) Forget(ctx context.Context, id int64) error {
	if d.client == nil {
		return nil
	}
	return d.client.Del(ctx, shared.PartyCacheKey(id)).Err()
}
