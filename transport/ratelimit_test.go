package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/zoobzio/clockz"

	"github.com/zoobzio/hubz/envelope"
)

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryTransaction, CategoryFor(envelope.ItemTransaction))
	assert.Equal(t, CategoryError, CategoryFor(envelope.ItemEvent))
	assert.Equal(t, CategorySession, CategoryFor(envelope.ItemSession))
	assert.Equal(t, CategoryAttachment, CategoryFor(envelope.ItemAttachment))
	assert.Equal(t, CategoryDefault, CategoryFor(envelope.ItemClientReport))
	assert.Equal(t, "all", CategoryAll.String())
}

func TestLimitsRetryAfterSeconds(t *testing.T) {
	clock := clockz.NewFakeClock()
	l := NewLimits(clock)

	touched := l.Update(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"10"}})
	assert.Equal(t, []Category{CategoryAll}, touched)
	assert.True(t, l.IsLimited(CategoryTransaction))
	assert.True(t, l.IsLimited(CategoryError))
	assert.Equal(t, clock.Now().Add(10*time.Second), l.Until(CategorySession))

	clock.Advance(10 * time.Second)
	assert.False(t, l.IsLimited(CategoryTransaction))
}

func TestLimitsRetryAfterDefault(t *testing.T) {
	clock := clockz.NewFakeClock()
	l := NewLimits(clock)

	l.Update(http.StatusTooManyRequests, http.Header{})
	clock.Advance(DefaultRetryAfter - time.Second)
	assert.True(t, l.IsLimited(CategoryDefault))
	clock.Advance(time.Second)
	assert.False(t, l.IsLimited(CategoryDefault))
}

func TestLimitsRetryAfterDate(t *testing.T) {
	clock := clockz.NewFakeClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	l := NewLimits(clock)

	date := clock.Now().Add(90 * time.Second).Format(http.TimeFormat)
	l.Update(http.StatusTooManyRequests, http.Header{"Retry-After": []string{date}})

	assert.Equal(t, clock.Now().Add(90*time.Second), l.Until(CategoryAll))
}

func TestLimitsSentryHeader(t *testing.T) {
	clock := clockz.NewFakeClock()
	l := NewLimits(clock)

	header := http.Header{"X-Sentry-Rate-Limits": []string{"60:transaction;error:organization, 5::project, bogus"}}
	touched := l.Update(http.StatusOK, header)

	assert.ElementsMatch(t, []Category{CategoryTransaction, CategoryError, CategoryAll}, touched)

	clock.Advance(5 * time.Second)
	assert.False(t, l.IsLimited(CategorySession))
	assert.True(t, l.IsLimited(CategoryTransaction))
	assert.True(t, l.IsLimited(CategoryError))

	clock.Advance(55 * time.Second)
	assert.False(t, l.IsLimited(CategoryTransaction))
}

func TestLimitsSentryHeaderWinsOverRetryAfter(t *testing.T) {
	clock := clockz.NewFakeClock()
	l := NewLimits(clock)

	l.Update(http.StatusTooManyRequests, http.Header{
		"X-Sentry-Rate-Limits": []string{"30:transaction"},
		"Retry-After":          []string{"600"},
	})

	assert.True(t, l.IsLimited(CategoryTransaction))
	assert.False(t, l.IsLimited(CategoryError))
}

func TestLimitsKeepLongerWindow(t *testing.T) {
	clock := clockz.NewFakeClock()
	l := NewLimits(clock)

	l.Set(CategoryTransaction, time.Minute)
	l.Set(CategoryTransaction, time.Second)

	assert.Equal(t, clock.Now().Add(time.Minute), l.Until(CategoryTransaction))
}

func TestLimitsIgnoreSuccess(t *testing.T) {
	l := NewLimits(nil)
	assert.Nil(t, l.Update(http.StatusOK, http.Header{}))
	assert.False(t, l.IsLimited(CategoryTransaction))
}
