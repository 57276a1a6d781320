// Package jobid derives canonical queue identities for recipe imports.
//
// Two import requests that the recipe view policy considers the same recipe for the
// same audience collide on identity; requests visible to disjoint audiences never do.
package jobid

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"mealsync/internal/models"
)

const prefix = "import_"

var (
	ErrInvalidURL    = errors.New("invalid import url")
	ErrUnknownPolicy = errors.New("unknown view policy")
	ErrMissingScope  = errors.New("missing scope id")
)

// trackingParams are dropped from the comparison key. Keys ending in "_" are prefixes.
var trackingParams = []string{
	"utm_",
	"fbclid",
	"gclid",
	"dclid",
	"msclkid",
	"mc_cid",
	"mc_eid",
	"ref",
	"_ga",
}

// Generate returns the canonical job id for an import of rawURL requested by userID in
// householdID under the given view policy.
func Generate(rawURL, userID, householdID string, view models.PermissionLevel) (string, error) {
	key, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}

	switch view {
	case models.PermissionEveryone:
		return prefix + key, nil
	case models.PermissionHousehold:
		if householdID == "" {
			return "", fmt.Errorf("%w: household", ErrMissingScope)
		}
		return prefix + householdID + "_" + key, nil
	case models.PermissionOwner:
		if userID == "" {
			return "", fmt.Errorf("%w: user", ErrMissingScope)
		}
		return prefix + userID + "_" + key, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, view)
	}
}

// NormalizeURL reduces rawURL to its host+path comparison key: lower-cased, scheme
// and fragment removed, tracking parameters dropped, single trailing slash stripped.
// Remaining query parameters are kept in sorted order.
func NormalizeURL(rawURL string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(rawURL))
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	path := strings.TrimSuffix(u.EscapedPath(), "/")
	key := u.Host + path

	if q := cleanQuery(u.Query()); q != "" {
		key += "?" + q
	}
	return key, nil
}

func cleanQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	kept := url.Values{}
	for k, v := range values {
		if !isTracking(k) {
			kept[k] = v
		}
	}
	// Encode sorts by key.
	return kept.Encode()
}

func isTracking(key string) bool {
	for _, p := range trackingParams {
		if strings.HasSuffix(p, "_") {
			if strings.HasPrefix(key, p) {
				return true
			}
			continue
		}
		if key == p {
			return true
		}
	}
	return false
}
