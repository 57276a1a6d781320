package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"mealsync/internal/config"
)

const (
	permWriteImports  = "write:imports"
	permReadQueues    = "read:queues"
	permReadCaldav    = "read:caldav"
	permWriteCaldav   = "write:caldav"
	permWriteEvents   = "write:events"
	permAdminSettings = "admin:settings"
)

var (
	errMissingAPIKey    = errors.New("missing api key")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
)

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients []config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	return &HTTPAuth{
		cfg:     cfg,
		clients: cfg.Auth.APIKeys,
		limiter: newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	}
}

// Require wraps next with authentication, the permission check and rate limiting.
func (a *HTTPAuth) Require(permission string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.Auth.Enabled {
			client, err := a.authenticate(r)
			if err == nil {
				err = checkPermission(client, permission)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					status = http.StatusForbidden
				}
				writeError(w, status, err.Error())
				return
			}
		}

		if a.limiter.enabled() && !a.limiter.allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next(w, r)
	})
}

func (a *HTTPAuth) headerName() string {
	name := strings.TrimSpace(a.cfg.Auth.HeaderAPIKey)
	if name == "" {
		return "x-api-key"
	}
	return name
}

func (a *HTTPAuth) authenticate(r *http.Request) (config.APIClientKey, error) {
	apiKey := strings.TrimSpace(r.Header.Get(a.headerName()))
	if apiKey == "" {
		return config.APIClientKey{}, errMissingAPIKey
	}
	for _, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(c.Key), []byte(apiKey)) == 1 {
			return c, nil
		}
	}
	return config.APIClientKey{}, errInvalidAPIKey
}

// checkPermission allows clients without a permission list everything.
func checkPermission(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.headerName())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}
