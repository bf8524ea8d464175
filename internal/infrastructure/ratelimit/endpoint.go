package ratelimit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/whiteboard-geeks/mailerautomation/pkg/errors"
)

// RateLimitHeaderName is the response header Close sends rate limit details
// in, e.g. "limit=160; remaining=159; reset=8".
const RateLimitHeaderName = "ratelimit"

// closeAPIHost is the only host endpoint keys are extracted for.
const closeAPIHost = "api.close.com"

// resourceIDPrefixes identify path segments that are resource IDs rather
// than sub-resources, e.g. lead_abc123 in /api/v1/lead/lead_abc123/.
var resourceIDPrefixes = []string{"lead_", "task_", "cont_", "acti_", "user_", "org_"}

// ExtractEndpointKey maps a Close API URL to its canonical endpoint key so
// that all operations on the same resource type share one bucket.
//
//	https://api.close.com/api/v1/lead/lead_123/          -> /api/v1/lead/
//	https://api.close.com/api/v1/lead/lead_456/activity/ -> /api/v1/lead/
//	https://api.close.com/api/v1/data/search/            -> /api/v1/data/search/
//
// A URL that cannot be mapped is a hard error, never a silent catch-all
// bucket.
func ExtractEndpointKey(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", apperrors.ErrInvalidEndpoint("url cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", apperrors.ErrInvalidEndpoint("invalid url format").WithCause(err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", apperrors.ErrInvalidEndpoint("url must use http or https")
	}

	if !strings.EqualFold(parsed.Host, closeAPIHost) {
		return "", apperrors.ErrInvalidEndpoint("url must be for " + closeAPIHost)
	}

	path := parsed.Path
	if path == "" || path == "/" {
		return "", apperrors.ErrInvalidEndpoint("missing api path")
	}

	segments := splitPath(path)
	if len(segments) < 3 {
		return "", apperrors.ErrInvalidEndpoint("invalid path structure")
	}
	if !strings.EqualFold(segments[0], "api") {
		return "", apperrors.ErrInvalidEndpoint("path must start with /api/")
	}
	if !strings.EqualFold(segments[1], "v1") {
		return "", apperrors.ErrInvalidEndpoint("only api version v1 is supported")
	}

	// Original segment case is preserved in the key.
	root := segments[2]

	// A resource ID in the 4th segment means this is an operation on a
	// specific object; the key collapses to the root resource.
	if len(segments) >= 4 && hasResourceIDPrefix(segments[3]) {
		return fmt.Sprintf("/%s/%s/%s/", segments[0], segments[1], root), nil
	}

	// Data endpoints keep one more segment so /api/v1/data/search/ gets its
	// own bucket.
	if strings.EqualFold(root, "data") && len(segments) >= 4 {
		return fmt.Sprintf("/%s/%s/%s/%s/", segments[0], segments[1], root, segments[3]), nil
	}

	return fmt.Sprintf("/%s/%s/%s/", segments[0], segments[1], root), nil
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func hasResourceIDPrefix(segment string) bool {
	for _, prefix := range resourceIDPrefixes {
		if strings.HasPrefix(segment, prefix) {
			return true
		}
	}
	return false
}

// RateLimitInfo is the parsed contents of a rate limit header.
type RateLimitInfo struct {
	// Limit is the window quota advertised by the dependency.
	Limit int `json:"limit"`
	// Remaining is the quota left in the current window.
	Remaining int `json:"remaining"`
	// Reset is seconds until the window resets.
	Reset int `json:"reset"`
}

// ParseRateLimitHeader parses Close's "limit=160; remaining=159; reset=8"
// header. All three fields are required; unknown fields are ignored. Values
// may be floats on the wire and are truncated to integers. Any malformed
// input is an error; callers keep previously discovered limits when parsing
// fails.
func ParseRateLimitHeader(value string) (*RateLimitInfo, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, apperrors.ErrMalformedHeader("ratelimit header is empty")
	}

	parsed := make(map[string]int)
	validPairs := false

	for _, part := range strings.Split(value, ";") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, "=") {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		if val == "" {
			return nil, apperrors.ErrMalformedHeader(
				fmt.Sprintf("empty value for %q in ratelimit header", key))
		}
		validPairs = true

		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			if isRequiredField(key) {
				return nil, apperrors.ErrMalformedHeader(
					fmt.Sprintf("non-numeric value %q for %q in ratelimit header", val, key))
			}
			// Non-numeric extra fields are ignored.
			continue
		}
		parsed[key] = int(f)
	}

	if !validPairs {
		return nil, apperrors.ErrMalformedHeader("no key=value pairs in ratelimit header")
	}

	var missing []string
	for _, field := range []string{"limit", "remaining", "reset"} {
		if _, ok := parsed[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.ErrMalformedHeader(
			"ratelimit header missing required fields: " + strings.Join(missing, ", "))
	}

	return &RateLimitInfo{
		Limit:     parsed["limit"],
		Remaining: parsed["remaining"],
		Reset:     parsed["reset"],
	}, nil
}

func isRequiredField(key string) bool {
	return key == "limit" || key == "remaining" || key == "reset"
}
