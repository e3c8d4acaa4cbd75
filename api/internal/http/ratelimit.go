package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// rateRule is a request budget per caller over aligned fixed windows.
type rateRule struct {
	route  string
	limit  int
	window time.Duration
}

var (
	ruleProjectsWrite = rateRule{route: "projects", limit: 60, window: time.Minute}
	ruleProjectRead   = rateRule{route: "project", limit: 240, window: time.Minute}
	ruleDeploy        = rateRule{route: "deploy", limit: 20, window: time.Minute}
	ruleDeployment    = rateRule{route: "deployment", limit: 240, window: time.Minute}
	ruleLogs          = rateRule{route: "logs", limit: 240, window: time.Minute}
	ruleLogsStream    = rateRule{route: "logs_ws", limit: 30, window: 30 * time.Second}
	ruleBuilder       = rateRule{route: "builder", limit: 6000, window: time.Minute}
)

// Quota is what is left of a budget after charging one request.
type Quota struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

func unlimited() Quota { return Quota{Allowed: true, Remaining: -1} }

// RateLimiter charges requests against per-key budgets.
type RateLimiter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) Quota
	Close()
}

// bucketBounds aligns now to the start of its window so every replica
// agrees on window edges.
func bucketBounds(now time.Time, window time.Duration) (int64, time.Time) {
	n := now.UnixNano() / int64(window)
	return n, time.Unix(0, (n+1)*int64(window))
}

func quotaFor(count int64, limit int, reset time.Time) Quota {
	left := limit - int(count)
	if left < 0 {
		left = 0
	}
	return Quota{Allowed: count <= int64(limit), Remaining: left, Reset: reset}
}

const pruneEvery = 512

type windowKey struct {
	key    string
	bucket int64
}

type localLimiter struct {
	mu     sync.Mutex
	counts map[windowKey]int64
	ends   map[windowKey]time.Time
	takes  int
	now    func() time.Time
}

// NewMemoryRateLimiter returns a limiter scoped to this process.
func NewMemoryRateLimiter() RateLimiter {
	return &localLimiter{
		counts: map[windowKey]int64{},
		ends:   map[windowKey]time.Time{},
		now:    time.Now,
	}
}

func (l *localLimiter) Take(_ context.Context, key string, limit int, window time.Duration) Quota {
	if limit <= 0 || window <= 0 {
		return unlimited()
	}
	now := l.now()
	bucket, reset := bucketBounds(now, window)
	wk := windowKey{key: key, bucket: bucket}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.takes++
	if l.takes%pruneEvery == 0 {
		for k, end := range l.ends {
			if !end.After(now) {
				delete(l.ends, k)
				delete(l.counts, k)
			}
		}
	}
	count := l.counts[wk]
	if count >= int64(limit) {
		return quotaFor(count+1, limit, reset)
	}
	count++
	l.counts[wk] = count
	l.ends[wk] = reset
	return quotaFor(count, limit, reset)
}

func (l *localLimiter) Close() {}

// limited charges each request against rule, keyed by who(req) or the
// client address when who has no answer.
func (r *Router) limited(rule rateRule, who func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	if r.limiter == nil || rule.limit <= 0 {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		caller := who(req)
		if caller == "" {
			caller = "ip:" + firstNonEmpty(clientIP(req), "unknown")
		}
		q := r.limiter.Take(req.Context(), rule.route+"|"+caller, rule.limit, rule.window)
		if q.Remaining >= 0 {
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(rule.limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(q.Remaining))
			if !q.Reset.IsZero() {
				h.Set("X-RateLimit-Reset", strconv.FormatInt(q.Reset.Unix(), 10))
			}
		}
		if !q.Allowed {
			kind, _, _ := strings.Cut(caller, ":")
			r.recordRateLimitHit(rule.route, kind)
			if !q.Reset.IsZero() {
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(q.Reset).Seconds())+1))
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// userRoute requires a session and budgets requests per user.
func (r *Router) userRoute(rule rateRule, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.limited(rule, callerUser, next))
}

func callerUser(req *http.Request) string {
	info, ok := principalFrom(req.Context())
	if !ok || info.UserID == "" {
		return ""
	}
	return "user:" + info.UserID
}

func callerBuilder(*http.Request) string { return "builder:shared" }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
