package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
	"github.com/whiteboard-geeks/mailerautomation/pkg/logger"
)

// EndpointLimiter rate limits per Close API endpoint, discovering each
// endpoint's real limit from response headers as traffic flows. Endpoints
// with no discovered limit get a deliberately conservative default; once a
// header is observed the endpoint's bucket switches to the advertised limit
// with the safety factor applied.
type EndpointLimiter struct {
	limiter *Limiter
	client  redis.UniversalClient
	cfg     *config.RateLimitConfig
	log     logger.Logger

	// localLimits mirrors discovered limits so the degraded path keeps
	// honoring them during a store outage.
	localLimits *gocache.Cache
}

// NewEndpointLimiter wraps a Limiter with per-endpoint limit discovery.
func NewEndpointLimiter(
	limiter *Limiter,
	client redis.UniversalClient,
	cfg *config.RateLimitConfig,
	log logger.Logger,
) (*EndpointLimiter, error) {
	if limiter == nil {
		return nil, apperrors.ErrInvalidRequest("limiter is required")
	}
	if client == nil {
		return nil, apperrors.ErrInvalidRequest("redis client is required")
	}
	if cfg == nil {
		return nil, apperrors.ErrInvalidRequest("rate limit config is required")
	}

	el := &EndpointLimiter{
		limiter:     limiter,
		client:      client,
		cfg:         cfg,
		log:         log.WithComponent("endpoint_limiter"),
		localLimits: gocache.New(cfg.CacheExpiration(), 10*time.Minute),
	}

	log.Info(context.Background(), "endpoint limiter initialized",
		logger.Float64("conservative_default_rps", cfg.ConservativeDefaultRPS),
		logger.Float64("safety_factor", cfg.SafetyFactor),
		logger.Duration("cache_expiration", cfg.CacheExpiration()),
	)

	return el, nil
}

// AcquireForEndpoint attempts to consume a token from the bucket owning the
// URL's endpoint. A URL that cannot be mapped to an endpoint key is a hard
// error; it never falls through to a shared bucket.
func (el *EndpointLimiter) AcquireForEndpoint(ctx context.Context, rawURL string) (bool, error) {
	endpointKey, err := ExtractEndpointKey(rawURL)
	if err != nil {
		return false, err
	}

	rate := el.cfg.ConservativeDefaultRPS * el.cfg.SafetyFactor
	if limits, ok := el.EndpointLimits(ctx, endpointKey); ok {
		// Advertised limits are per minute; the safety factor is applied
		// here, so the bucket itself runs at the final rate.
		rate = float64(limits.Limit) * el.cfg.SafetyFactor / 60.0
	}

	bucketKey := fmt.Sprintf("%s:%s", constants.EndpointBucketPrefix, endpointKey)
	return el.limiter.acquireAtRate(ctx, bucketKey, rate)
}

// UpdateFromResponse records the rate limit header from a dependency
// response. An absent header is a no-op. A malformed header is reported as
// an error and leaves previously discovered limits untouched. Re-applying
// the same header value is idempotent.
func (el *EndpointLimiter) UpdateFromResponse(ctx context.Context, rawURL, headerValue string) error {
	if headerValue == "" {
		return nil
	}

	info, err := ParseRateLimitHeader(headerValue)
	if err != nil {
		el.log.Warn(ctx, "unparseable ratelimit header, keeping cached limits",
			logger.String("url", rawURL),
			logger.String("header", headerValue),
		)
		return err
	}

	endpointKey, err := ExtractEndpointKey(rawURL)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return apperrors.ErrInternal("marshal endpoint limits").WithCause(err)
	}

	cacheKey := limitsCacheKey(endpointKey)
	if err := el.client.SetEx(ctx, cacheKey, payload, el.cfg.CacheExpiration()).Err(); err != nil {
		// The local mirror still gets the update so this process keeps the
		// discovered rate during the outage.
		el.log.Warn(ctx, "failed to cache endpoint limits in store",
			logger.String("endpoint_key", endpointKey),
			logger.Any("error", err.Error()),
		)
	}
	el.localLimits.Set(endpointKey, info, gocache.DefaultExpiration)

	el.log.Info(ctx, "endpoint rate limits updated",
		logger.String("endpoint_key", endpointKey),
		logger.Int("limit", info.Limit),
		logger.Int("remaining", info.Remaining),
		logger.Int("reset", info.Reset),
	)

	return nil
}

// EndpointLimits returns the discovered limits for an endpoint key, or false
// when none are known. The store is authoritative; the local mirror serves
// reads during store outages.
func (el *EndpointLimiter) EndpointLimits(ctx context.Context, endpointKey string) (*RateLimitInfo, bool) {
	data, err := el.client.Get(ctx, limitsCacheKey(endpointKey)).Bytes()
	if err == nil {
		var info RateLimitInfo
		if jsonErr := json.Unmarshal(data, &info); jsonErr == nil {
			return &info, true
		}
		el.log.Warn(ctx, "corrupt cached endpoint limits, ignoring",
			logger.String("endpoint_key", endpointKey))
		return nil, false
	}

	if err != redis.Nil {
		el.log.Warn(ctx, "failed to read endpoint limits from store, trying local mirror",
			logger.String("endpoint_key", endpointKey),
			logger.Any("error", err.Error()),
		)
		if cached, found := el.localLimits.Get(endpointKey); found {
			if info, ok := cached.(*RateLimitInfo); ok {
				return info, true
			}
		}
	}

	return nil, false
}

func limitsCacheKey(endpointKey string) string {
	return fmt.Sprintf("%s:%s", constants.EndpointLimitsKeyPrefix, endpointKey)
}
