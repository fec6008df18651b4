package hubz

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/dgraph-io/ristretto"
)

// maxUnwrapDepth bounds walks over error chains.
const maxUnwrapDepth = 32

// DefaultMaxAssociations bounds the error to span table.
const DefaultMaxAssociations = 10_000

// associations maps errors to the span active when they were attached.
// Entries are evicted by ristretto's admission policy once full.
type associations struct {
	cache *ristretto.Cache
}

type association struct {
	err  error
	span Spanner
}

func newAssociations(capacity int) (*associations, error) {
	if capacity <= 0 {
		capacity = DefaultMaxAssociations
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(capacity) * 10,
		MaxCost:            int64(capacity),
		BufferItems:        64,
		IgnoreInternalCost: true, // cost counts entries, not bytes
	})
	if err != nil {
		return nil, fmt.Errorf("association cache: %w", err)
	}
	return &associations{cache: cache}, nil
}

func (a *associations) set(err error, span Spanner) {
	if err == nil || span == nil {
		return
	}
	a.cache.Set(errorKey(err), &association{err: err, span: span}, 1)
}

// get looks up err, then each error it wraps. Sets are applied by
// ristretto asynchronously, so a miss drains pending sets and looks again.
func (a *associations) get(err error) Spanner {
	if span := a.lookup(err); span != nil {
		return span
	}
	a.cache.Wait()
	return a.lookup(err)
}

func (a *associations) lookup(err error) Spanner {
	for depth := 0; err != nil && depth < maxUnwrapDepth; depth++ {
		if v, ok := a.cache.Get(errorKey(err)); ok {
			if entry, ok := v.(*association); ok && sameError(entry.err, err) {
				return entry.span
			}
		}
		err = unwrapOnce(err)
	}
	return nil
}

func (a *associations) close() {
	a.cache.Close()
}

// errorKey identifies pointer errors by address and value errors by type
// and message.
func errorKey(err error) string {
	v := reflect.ValueOf(err)
	if v.Kind() == reflect.Pointer {
		return fmt.Sprintf("p:%x", v.Pointer())
	}
	return fmt.Sprintf("v:%T|%v", err, err)
}

func sameError(stored, err error) bool {
	if reflect.ValueOf(err).Kind() != reflect.Pointer {
		return true
	}
	return stored == err
}

// unwrapOnce follows Unwrap() error, or the first error of Unwrap() []error.
func unwrapOnce(err error) error {
	if next := errors.Unwrap(err); next != nil {
		return next
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if errs := multi.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}
