package ratelimit

import (
	"fmt"

	"github.com/whiteboard-geeks/mailerautomation/internal/config"
	"github.com/whiteboard-geeks/mailerautomation/pkg/constants"
)

// RatePreset is a named rate limit profile for a known upstream API.
type RatePreset struct {
	Name              string
	RequestsPerMinute int
	RequestsPerSecond float64
	SafetyFactor      float64
	Description       string
}

// InstantlyPreset is the Instantly API profile: 600 requests/minute.
func InstantlyPreset() RatePreset {
	return RatePreset{
		Name:              "instantly",
		RequestsPerMinute: 600,
		RequestsPerSecond: 10.0,
		SafetyFactor:      constants.DefaultSafetyFactor,
		Description:       "Instantly API: 600 requests/minute = 10 requests/second",
	}
}

// CloseCRMPreset is the Close CRM API profile: 300 requests/minute.
func CloseCRMPreset() RatePreset {
	return RatePreset{
		Name:              "close_crm",
		RequestsPerMinute: 300,
		RequestsPerSecond: 5.0,
		SafetyFactor:      constants.DefaultSafetyFactor,
		Description:       "Close CRM API: 300 requests/minute = 5 requests/second",
	}
}

// CustomPreset builds a profile from a requests-per-minute limit.
func CustomPreset(requestsPerMinute int, safetyFactor float64) RatePreset {
	rps := float64(requestsPerMinute) / 60.0
	return RatePreset{
		Name:              "custom",
		RequestsPerMinute: requestsPerMinute,
		RequestsPerSecond: rps,
		SafetyFactor:      safetyFactor,
		Description:       fmt.Sprintf("Custom API: %d requests/minute = %.1f requests/second", requestsPerMinute, rps),
	}
}

// ToConfig produces a limiter config carrying the preset's rate and safety
// factor, with standard defaults for everything else.
func (p RatePreset) ToConfig() *config.RateLimitConfig {
	return &config.RateLimitConfig{
		NominalRatePerSecond:   p.RequestsPerSecond,
		SafetyFactor:           p.SafetyFactor,
		WindowSizeSeconds:      int(constants.DefaultWindowSize.Seconds()),
		ConservativeDefaultRPS: constants.DefaultConservativeRPS,
		CacheExpirationSeconds: int(constants.DefaultLimitCacheExpiration.Seconds()),
		FallbackOnStoreError:   true,
	}
}
