package ratelimit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiteboard-geeks/mailerautomation/internal/infrastructure/ratelimit"
	"github.com/whiteboard-geeks/mailerautomation/pkg/errors"
)

func TestExtractEndpointKey(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "lead collection",
			url:  "https://api.close.com/api/v1/lead/",
			want: "/api/v1/lead/",
		},
		{
			name: "specific lead collapses to root resource",
			url:  "https://api.close.com/api/v1/lead/lead_abc123/",
			want: "/api/v1/lead/",
		},
		{
			name: "lead sub-resource collapses to root resource",
			url:  "https://api.close.com/api/v1/lead/lead_456/activity/",
			want: "/api/v1/lead/",
		},
		{
			name: "task with id",
			url:  "https://api.close.com/api/v1/task/task_789/",
			want: "/api/v1/task/",
		},
		{
			name: "contact with id",
			url:  "https://api.close.com/api/v1/contact/cont_42/",
			want: "/api/v1/contact/",
		},
		{
			name: "data search keeps its sub-path",
			url:  "https://api.close.com/api/v1/data/search/",
			want: "/api/v1/data/search/",
		},
		{
			name: "static endpoint",
			url:  "https://api.close.com/api/v1/me/",
			want: "/api/v1/me/",
		},
		{
			name: "query string ignored",
			url:  "https://api.close.com/api/v1/lead/?_limit=100",
			want: "/api/v1/lead/",
		},
		{
			name: "host case insensitive",
			url:  "https://API.CLOSE.COM/api/v1/lead/",
			want: "/api/v1/lead/",
		},
		{
			name: "unrecognized fourth segment stays a root key",
			url:  "https://api.close.com/api/v1/lead/merge/",
			want: "/api/v1/lead/",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ratelimit.ExtractEndpointKey(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractEndpointKey_Invalid(t *testing.T) {
	cases := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"wrong scheme", "ftp://api.close.com/api/v1/lead/"},
		{"wrong host", "https://api.instantly.ai/api/v1/lead/"},
		{"missing path", "https://api.close.com"},
		{"root path only", "https://api.close.com/"},
		{"not an api path", "https://api.close.com/dashboard/leads/"},
		{"unsupported version", "https://api.close.com/api/v2/lead/"},
		{"too few segments", "https://api.close.com/api/v1/"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ratelimit.ExtractEndpointKey(tc.url)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidEndpoint))
		})
	}
}

func TestParseRateLimitHeader(t *testing.T) {
	info, err := ratelimit.ParseRateLimitHeader("limit=160; remaining=159; reset=8")
	require.NoError(t, err)
	assert.Equal(t, 160, info.Limit)
	assert.Equal(t, 159, info.Remaining)
	assert.Equal(t, 8, info.Reset)
}

func TestParseRateLimitHeader_FloatsTruncate(t *testing.T) {
	info, err := ratelimit.ParseRateLimitHeader("limit=160.9; remaining=159.5; reset=8.0")
	require.NoError(t, err)
	assert.Equal(t, 160, info.Limit)
	assert.Equal(t, 159, info.Remaining)
	assert.Equal(t, 8, info.Reset)
}

func TestParseRateLimitHeader_ExtraFieldsIgnored(t *testing.T) {
	info, err := ratelimit.ParseRateLimitHeader("limit=160; remaining=159; reset=8; policy=standard")
	require.NoError(t, err)
	assert.Equal(t, 160, info.Limit)
}

func TestParseRateLimitHeader_WhitespaceTolerant(t *testing.T) {
	info, err := ratelimit.ParseRateLimitHeader("  limit = 160 ;remaining=159;  reset = 8  ")
	require.NoError(t, err)
	assert.Equal(t, 160, info.Limit)
	assert.Equal(t, 159, info.Remaining)
	assert.Equal(t, 8, info.Reset)
}

func TestParseRateLimitHeader_Malformed(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"no pairs", "not a header"},
		{"missing limit", "remaining=159; reset=8"},
		{"missing remaining", "limit=160; reset=8"},
		{"missing reset", "limit=160; remaining=159"},
		{"non-numeric limit", "limit=abc; remaining=159; reset=8"},
		{"empty value", "limit=; remaining=159; reset=8"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ratelimit.ParseRateLimitHeader(tc.header)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeMalformedHeader))
		})
	}
}
