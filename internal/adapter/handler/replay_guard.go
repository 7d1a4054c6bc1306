package handler

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayKeyPrefix = "kiosk:replay:"

// ReplayGuard blocks fast replays of the same request (IP + method + path +
// query + body) on protected paths for a TTL window. Keys live in Redis, so
// the window survives a kiosk restart.
type ReplayGuard struct {
	client    *redis.Client
	ttl       time.Duration
	protected map[string]struct{}
	log       *slog.Logger
}

func NewReplayGuard(client *redis.Client, ttl time.Duration, log *slog.Logger, paths ...string) *ReplayGuard {
	protected := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		protected[p] = struct{}{}
	}
	return &ReplayGuard{
		client:    client,
		ttl:       ttl,
		protected: protected,
		log:       log,
	}
}

func (g *ReplayGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := g.protected[r.URL.Path]; !ok {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		key := fmt.Sprintf("%s%s|%s|%s|%s|%x", replayKeyPrefix,
			clientIP(r), r.Method, r.URL.Path, r.URL.RawQuery, sha256.Sum256(body))

		// Set-if-absent with TTL is the whole check; Redis makes it atomic.
		fresh, err := g.client.SetNX(r.Context(), key, 1, g.ttl).Result()
		if err != nil {
			// A guard outage must not take the kiosk offline.
			g.log.Warn("replay guard unavailable, request allowed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !fresh {
			g.log.Warn("replay guard hit", "ip", clientIP(r), "path", r.URL.Path, "query", r.URL.RawQuery)
			writeError(w, http.StatusTooManyRequests, "repeated action, try again in a few seconds")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
