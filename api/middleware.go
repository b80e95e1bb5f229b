package api

import (
	"bytes"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const IdempotencyHeader = "Idempotency-Key"

// =============================================================================
// RATE LIMITING - Token bucket per client IP
// =============================================================================

// IPRateLimiter stores a rate limiter for each IP address.
type IPRateLimiter struct {
	ips map[string]*rate.Limiter
	mu  sync.RWMutex
	r   rate.Limit
	b   int
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{ips: make(map[string]*rate.Limiter), r: r, b: b}
}

// GetLimiter returns the limiter for ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, ok := i.ips[ip]
	i.mu.RUnlock()
	if ok {
		return limiter
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if limiter, ok = i.ips[ip]; !ok {
		limiter = rate.NewLimiter(i.r, i.b)
		i.ips[ip] = limiter
	}
	return limiter
}

// RateLimit rejects requests over the per-IP budget with 429. ipHeader,
// when set, names a header (X-Forwarded-For, X-Real-IP) trusted for the
// client address.
func RateLimit(limiter *IPRateLimiter, ipHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.GetLimiter(clientIP(r, ipHeader)).Allow() {
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request, header string) string {
	if header != "" {
		if v := r.Header.Get(header); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// IDEMPOTENCY - Replay the first response for a repeated Idempotency-Key
// =============================================================================

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type recordingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency caches responses to mutating requests that carry an
// Idempotency-Key header. A retry with the same key, method and path gets
// the stored response instead of executing twice. Server errors are not
// cached so the client may retry them. Concurrent requests with one key
// are serialized on a fixed set of lock stripes.
func Idempotency(store *cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	var stripes [64]sync.Mutex
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			cacheKey := r.Method + " " + r.URL.Path + " " + key

			h := fnv.New32a()
			_, _ = h.Write([]byte(cacheKey))
			mu := &stripes[h.Sum32()%uint32(len(stripes))]
			mu.Lock()
			defer mu.Unlock()

			if v, found := store.Get(cacheKey); found {
				cached := v.(cachedResponse)
				for k, vals := range cached.headers {
					w.Header()[k] = vals
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.status)
				_, _ = w.Write(cached.body)
				return
			}

			rec := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status != 0 && rec.status < http.StatusInternalServerError && rec.status != http.StatusTooManyRequests {
				store.Set(cacheKey, cachedResponse{
					status:  rec.status,
					headers: rec.Header().Clone(),
					body:    bytes.Clone(rec.body.Bytes()),
				}, ttl)
			}
		})
	}
}
