package identity

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"airsquawk/internal/adsb"
	"airsquawk/internal/objstore"
)

// Tier names, in resolution order. They label metrics and logs.
const (
	TierHistory  = "history"
	TierTypeDB   = "typedb"
	TierHexCache = "hexcache"
	TierStatic   = "static"
)

// DefaultTierTimeout bounds each tier lookup.
const DefaultTierTimeout = 3 * time.Second

// Tiers holds the lookup sources. Any of them may be nil.
type Tiers struct {
	History *HistoryIndex
	TypeDB  *TypeDatabase
	Cache   *HexCache
	Static  *StaticDB
}

// Config tunes a Resolver.
type Config struct {
	MemoSize    int
	TierTimeout time.Duration
}

// Resolver walks the tiers for a hex and memoises the outcome, negative
// results included, so each hex is resolved at most once per run.
type Resolver struct {
	tiers   Tiers
	memo    *lru.Cache[string, Identity]
	timeout time.Duration
	log     *slog.Logger

	// OnTier, when set, is called with the tier name each time a tier
	// supplies at least one field.
	OnTier func(tier string)
}

// NewResolver builds a resolver over tiers.
func NewResolver(cfg Config, tiers Tiers, log *slog.Logger) (*Resolver, error) {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 65536
	}
	if cfg.TierTimeout <= 0 {
		cfg.TierTimeout = DefaultTierTimeout
	}
	memo, err := lru.New[string, Identity](cfg.MemoSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		tiers:   tiers,
		memo:    memo,
		timeout: cfg.TierTimeout,
		log:     log.With("component", "identity"),
	}, nil
}

// History returns the history tier.
func (r *Resolver) History() *HistoryIndex { return r.tiers.History }

// Resolve returns the best-known identity for hex. Tier failures are
// logged and treated as misses; Resolve never fails.
func (r *Resolver) Resolve(ctx context.Context, hex string) Identity {
	hex = adsb.NormalizeHex(hex)
	if hex == "" {
		return Identity{}
	}
	if id, ok := r.memo.Get(hex); ok {
		return id
	}

	var id Identity
	r.apply(&id, TierHistory, func() Identity {
		return r.tiers.History.Identity(hex)
	})

	if !id.Complete() && r.tiers.TypeDB != nil {
		r.apply(&id, TierTypeDB, func() Identity {
			tctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			found, err := r.tiers.TypeDB.Lookup(tctx, hex)
			if err != nil {
				r.log.Warn("type database unavailable", "hex", hex, "error", err)
			}
			return found
		})
	}

	var cached Identity
	cacheHit := false
	if !id.Complete() && r.tiers.Cache != nil {
		r.apply(&id, TierHexCache, func() Identity {
			tctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			found, ok, err := r.tiers.Cache.Get(tctx, hex)
			if err != nil {
				r.log.Warn("hex cache read failed", "hex", hex, "error", err,
					"transient", objstore.IsTransient(err))
			}
			cached, cacheHit = found, ok
			return found
		})
	}

	if !id.Complete() && r.tiers.Static != nil {
		r.apply(&id, TierStatic, func() Identity {
			tctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			found, err := r.tiers.Static.Lookup(tctx, hex)
			if err != nil {
				r.log.Warn("static database lookup failed", "hex", hex, "error", err)
			}
			return found
		})
	}

	if !id.IsZero() && r.tiers.Cache != nil && (!cacheHit || cached != id) {
		tctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := r.tiers.Cache.Put(tctx, hex, id); err != nil {
			r.log.Warn("hex cache write failed", "hex", hex, "error", err)
		}
		cancel()
	}

	r.memo.Add(hex, id)
	return id
}

// apply fills the empty fields of id from one tier.
func (r *Resolver) apply(id *Identity, tier string, lookup func() Identity) {
	before := *id
	*id = id.Fill(lookup())
	if *id != before && r.OnTier != nil {
		r.OnTier(tier)
	}
}

// Memoised returns how many hex addresses have been resolved this run.
func (r *Resolver) Memoised() int { return r.memo.Len() }
