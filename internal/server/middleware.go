package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/menta2k/latex-ocr/pkg/orchestrator"
	"github.com/menta2k/latex-ocr/pkg/types"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	start  time.Time
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
		r.Header().Set("X-Process-Time-Ms", strconv.FormatFloat(types.Milliseconds(time.Since(r.start)), 'f', 2, 64))
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// withRequestLog assigns a request id, times the request and logs one line for it
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, start: time.Now()}
		ctx := orchestrator.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": types.Milliseconds(time.Since(rec.start)),
		}).Info("HTTP request")
	})
}

// protect requires a valid bearer key and applies the per-key rate limit
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if len(s.keys) > 0 {
			if !s.validKey(key) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid API key")
				return
			}
		} else {
			// open mode: limit per client address
			key = clientAddr(r)
		}

		if !s.limiter.allow(key) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// validKey compares hashes in constant time against every configured key
func (s *Server) validKey(key string) bool {
	if key == "" {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	ok := 0
	for i := range s.keys {
		ok |= subtle.ConstantTimeCompare(sum[:], s.keys[i][:])
	}
	return ok == 1
}

func clientAddr(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// limiterIdle is how long an unused bucket is kept. A bucket idle for a
// minute is full again, so dropping it later changes nothing for the client.
const limiterIdle = 10 * time.Minute

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// keyLimiter keeps one token bucket per key and forgets idle ones
type keyLimiter struct {
	mu        sync.Mutex
	perMin    int
	limiters  map[string]*limiterEntry
	lastSweep time.Time
	now       func() time.Time
}

func newKeyLimiter(perMinute int) *keyLimiter {
	return &keyLimiter{
		perMin:   perMinute,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (l *keyLimiter) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdle {
		l.sweep(now)
	}
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// sweep drops buckets unused for limiterIdle; callers hold mu
func (l *keyLimiter) sweep(now time.Time) {
	for key, e := range l.limiters {
		if now.Sub(e.lastSeen) >= limiterIdle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}
