package secmem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Secret holds sensitive data (the account secret, session tokens) with
// best-effort memory zeroing. Go's GC may copy the backing array, so this
// is defense-in-depth, not a guarantee. Call Zero() in shutdown paths to
// overwrite the value in place.
//
// All fmt and marshal surfaces produce [REDACTED]; use Reveal() at the point
// of actual use (building a logon frame, an Authorization header).
type Secret struct {
	mu     sync.Mutex
	data   []byte
	zeroed atomic.Bool
}

// New creates a Secret from the given string.
func New(s string) *Secret {
	b := make([]byte, len(s))
	copy(b, s)
	return &Secret{data: b}
}

// Reveal returns the plaintext value. Returns "" if the receiver is nil or
// the data has been zeroed.
func (s *Secret) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data)
}

// IsZeroed returns true if Zero() has been called.
func (s *Secret) IsZeroed() bool {
	if s == nil {
		return false
	}
	return s.zeroed.Load()
}

// Zero overwrites the backing byte slice with zeros.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
	s.zeroed.Store(true)
}

// String returns [REDACTED] to prevent accidental plaintext leaking via
// fmt.Println(secret) or similar fmt.Stringer usage.
func (s *Secret) String() string {
	return "[REDACTED]"
}

// GoString returns a redacted representation for %#v.
func (s *Secret) GoString() string {
	return "[REDACTED]"
}

// Format implements fmt.Formatter so every format verb produces [REDACTED].
func (s *Secret) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, "[REDACTED]")
}

// MarshalJSON returns "[REDACTED]" to prevent JSON serialization of plaintext.
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalText returns [REDACTED] to prevent text serialization of plaintext.
func (s *Secret) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// UnmarshalJSON rejects deserialization to prevent accidentally populating
// a Secret from untrusted JSON input.
func (s *Secret) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: cannot deserialize into Secret")
}
