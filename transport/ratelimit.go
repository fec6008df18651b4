package transport

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/zoobzio/hubz/envelope"
)

// Category groups item types for rate limiting.
type Category string

// Rate limit categories. CategoryAll is the target of limits that name no
// category.
const (
	CategoryAll         Category = ""
	CategoryDefault     Category = "default"
	CategoryError       Category = "error"
	CategoryTransaction Category = "transaction"
	CategorySession     Category = "session"
	CategoryAttachment  Category = "attachment"
)

// DefaultRetryAfter applies when a 429 carries no usable hint.
const DefaultRetryAfter = 60 * time.Second

// CategoryFor maps an envelope item type to its rate limit category.
func CategoryFor(t envelope.ItemType) Category {
	switch t {
	case envelope.ItemTransaction:
		return CategoryTransaction
	case envelope.ItemEvent:
		return CategoryError
	case envelope.ItemSession:
		return CategorySession
	case envelope.ItemAttachment:
		return CategoryAttachment
	default:
		return CategoryDefault
	}
}

// String returns the label used in logs and metrics.
func (c Category) String() string {
	if c == CategoryAll {
		return "all"
	}
	return string(c)
}

// Limits tracks disabled-until deadlines per category.
// Safe for concurrent use.
type Limits struct {
	clock clockz.Clock
	mu    sync.RWMutex
	until map[Category]time.Time
}

// NewLimits creates empty rate limit state.
func NewLimits(clock clockz.Clock) *Limits {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Limits{
		clock: clock,
		until: make(map[Category]time.Time),
	}
}

// IsLimited reports whether c is currently disabled, either directly or by
// a limit covering every category.
func (l *Limits) IsLimited(c Category) bool {
	now := l.clock.Now()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return now.Before(l.until[c]) || now.Before(l.until[CategoryAll])
}

// Until returns the deadline that applies to c, zero if none.
func (l *Limits) Until(c Category) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	deadline := l.until[c]
	if all := l.until[CategoryAll]; all.After(deadline) {
		deadline = all
	}
	return deadline
}

// Set disables c for d from now. Existing longer windows are kept.
func (l *Limits) Set(c Category, d time.Duration) {
	deadline := l.clock.Now().Add(d)
	l.mu.Lock()
	defer l.mu.Unlock()
	if deadline.After(l.until[c]) {
		l.until[c] = deadline
	}
}

// Update applies rate limit hints from a response. It returns the
// categories that were touched.
func (l *Limits) Update(statusCode int, header http.Header) []Category {
	if raw := header.Get("X-Sentry-Rate-Limits"); raw != "" {
		return l.applyRateLimits(raw)
	}
	if statusCode == http.StatusTooManyRequests {
		l.Set(CategoryAll, parseRetryAfter(header.Get("Retry-After"), l.clock.Now()))
		return []Category{CategoryAll}
	}
	return nil
}

// applyRateLimits parses "seconds:cat;cat:scope:reason, seconds::scope".
func (l *Limits) applyRateLimits(raw string) []Category {
	var touched []Category
	for _, entry := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(entry), ":")
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		seconds, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || seconds < 0 {
			seconds = DefaultRetryAfter.Seconds()
		}
		d := time.Duration(seconds * float64(time.Second))

		var categories []Category
		if len(fields) > 1 {
			for _, name := range strings.Split(fields[1], ";") {
				if name = strings.TrimSpace(name); name != "" {
					categories = append(categories, Category(name))
				}
			}
		}
		if len(categories) == 0 {
			categories = []Category{CategoryAll}
		}
		for _, c := range categories {
			l.Set(c, d)
			touched = append(touched, c)
		}
	}
	return touched
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if date, err := http.ParseTime(value); err == nil {
		if d := date.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
