package hubz

import "sync"

// User identifies the end user of the instrumented application.
type User struct {
	ID        string `json:"id,omitempty"`
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// IsEmpty reports whether no field is set.
func (u User) IsEmpty() bool {
	return u == User{}
}

// Scope holds the current transaction, tags and user for one execution
// context. The transaction reference is non-owning.
// Safe for concurrent use by multiple goroutines.
type Scope struct {
	transaction *Transaction
	tags        map[string]string
	user        User
	mu          sync.RWMutex
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{tags: make(map[string]string)}
}

// Clone returns a field-wise copy. Changes to either scope do not affect
// the other.
func (s *Scope) Clone() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &Scope{
		transaction: s.transaction,
		tags:        make(map[string]string, len(s.tags)),
		user:        s.user,
	}
	for k, v := range s.tags {
		clone.tags[k] = v
	}
	return clone
}

// SetTag sets a tag copied onto every event captured with the scope.
func (s *Scope) SetTag(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[key] = value
}

// RemoveTag deletes a tag. Unknown keys are ignored.
func (s *Scope) RemoveTag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tags, key)
}

// Tags returns a copy of the scope tags.
func (s *Scope) Tags() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		tags[k] = v
	}
	return tags
}

// SetUser replaces the user reported with captured events.
func (s *Scope) SetUser(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// User returns the scope user, the zero User if none was set.
func (s *Scope) User() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// SetTransaction makes txn current. Nil clears it.
func (s *Scope) SetTransaction(txn *Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transaction = txn
}

// Transaction returns the current transaction, nil if none.
func (s *Scope) Transaction() *Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transaction
}

// clearTransaction unsets txn only if it is still current.
func (s *Scope) clearTransaction(txn *Transaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transaction != txn {
		return false
	}
	s.transaction = nil
	return true
}

// Clear resets every field.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transaction = nil
	s.tags = make(map[string]string)
	s.user = User{}
}
