package apihttp

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/ezerobledo91/streams-sub000/internal/metrics"
)

const (
	requestIDHeader  = "X-Request-ID"
	maxTrackedClient = 4096
)

type ctxKey int

const requestIDKey ctxKey = iota

// statusRecorder captures the status and body size written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// Hijack is needed for the websocket upgrade on /ws.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware propagates X-Request-ID, minting one when absent.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			p.allowed[origin] = struct{}{}
		}
	}
	p.any = len(p.allowed) == 0
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// corsMiddleware reflects allowed origins. An empty list allows every origin.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	policy := newOriginPolicy(origins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); policy.allows(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Range, "+requestIDHeader)
			h.Set("Access-Control-Expose-Headers", "Content-Range, Accept-Ranges, Content-Length, "+requestIDHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observeMiddleware records request metrics and writes one access log line
// per request. Media and probe endpoints log at debug unless they fail.
func observeMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route, sessionID := routeOf(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		attrs := make([]slog.Attr, 0, 11)
		attrs = append(attrs,
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("bytes", rec.bytes),
			slog.Int64("durationMs", elapsed.Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		)
		if id := requestIDFrom(r.Context()); id != "" {
			attrs = append(attrs, slog.String("requestId", id))
		}
		if sessionID != "" {
			attrs = append(attrs, slog.String("sessionId", sessionID))
		}
		if q := strings.TrimSpace(r.URL.RawQuery); q != "" {
			attrs = append(attrs, slog.String("query", truncate(q, 180)))
		}
		if ua := strings.TrimSpace(r.UserAgent()); ua != "" {
			attrs = append(attrs, slog.String("userAgent", truncate(ua, 120)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(route, rec.status), "http request", attrs...)
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			logger.Error("panic recovered",
				slog.Any("error", v),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("requestId", requestIDFrom(r.Context())),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// clientLimiter hands out one token bucket per client address. The least
// recently seen clients are forgotten once maxTrackedClient is reached.
type clientLimiter struct {
	rps     rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedClient)
	return &clientLimiter{rps: rate.Limit(rps), burst: burst, buckets: buckets}
}

func (c *clientLimiter) allow(client string) bool {
	lim, ok := c.buckets.Get(client)
	if !ok {
		lim = rate.NewLimiter(c.rps, c.burst)
		if prev, loaded, _ := c.buckets.PeekOrAdd(client, lim); loaded {
			lim = prev
		}
	}
	return lim.Allow()
}

// rateLimitMiddleware answers 429 when a client exceeds its budget. Media
// delivery and the health endpoints are exempt.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiter := newClientLimiter(rps, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, _ := routeOf(r.URL.Path)
		if unlimitedRoute(route) || limiter.allow(clientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	})
}

func unlimitedRoute(route string) bool {
	switch route {
	case "/healthz", "/metrics", "/ws", routeStream, routeHLSPlaylist, routeHLSSegment:
		return true
	}
	return false
}

const (
	routeSession     = "/sessions/:id"
	routeStream      = "/sessions/:id/stream"
	routeHLSPlaylist = "/sessions/:id/hls/playlist"
	routeHLSSegment  = "/sessions/:id/hls/segment"
	routeSubtitles   = "/sessions/:id/subtitles"
)

// routeOf maps a request path to a low-cardinality metrics label and
// extracts the session id when the path addresses one.
func routeOf(path string) (route, sessionID string) {
	switch path {
	case "/healthz", "/metrics", "/ws", "/play", "/sessions", "/reliability", "/attempts":
		return path, ""
	}
	rest, ok := strings.CutPrefix(path, "/sessions/")
	if !ok || rest == "" {
		return "/other", ""
	}
	id, sub, _ := strings.Cut(rest, "/")
	switch {
	case sub == "":
		return routeSession, id
	case sub == "stream":
		return routeStream, id
	case strings.HasPrefix(sub, "hls/") && strings.HasSuffix(sub, ".m3u8"):
		return routeHLSPlaylist, id
	case strings.HasPrefix(sub, "hls/"):
		return routeHLSSegment, id
	case strings.HasPrefix(sub, "subtitles/"):
		return routeSubtitles, id
	}
	return "/other", ""
}

func requestLogLevel(route string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case quietRoute(route):
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// quietRoute reports routes hit continuously by players and probes.
func quietRoute(route string) bool {
	switch route {
	case "/healthz", "/metrics", routeStream, routeHLSPlaylist, routeHLSSegment:
		return true
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}

func truncate(value string, limit int) string {
	switch {
	case limit <= 0 || len(value) <= limit:
		return value
	case limit <= 3:
		return value[:limit]
	}
	return value[:limit-3] + "..."
}
