// Package securemem keeps credentials sealed in memguard enclaves so they are
// only decrypted for the instant a client needs them.
package securemem

import (
	"crypto/subtle"
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a Secret is opened after Destroy.
var ErrDestroyed = errors.New("securemem: secret destroyed")

// Secret is an encrypted-at-rest value. The zero value and nil are empty secrets.
type Secret struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	size    int
	gone    bool
}

// NewSecret seals value. An empty value yields an empty Secret.
func NewSecret(value string) *Secret {
	s := &Secret{size: len(value)}
	if value != "" {
		// NewEnclave wipes its input, so hand it a private copy.
		s.enclave = memguard.NewEnclave([]byte(value))
	}
	return s
}

// IsEmpty reports whether the secret holds no value.
func (s *Secret) IsEmpty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone || s.enclave == nil || s.size == 0
}

// Reveal returns the plaintext. The copy lives in ordinary memory; keep its
// lifetime short.
func (s *Secret) Reveal() (string, error) {
	if s == nil {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone {
		return "", ErrDestroyed
	}
	if s.enclave == nil {
		return "", nil
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// WithValue opens the secret for the duration of fn.
func (s *Secret) WithValue(fn func(string) error) error {
	v, err := s.Reveal()
	if err != nil {
		return err
	}
	return fn(v)
}

// Equal compares against other in constant time.
func (s *Secret) Equal(other string) bool {
	v, err := s.Reveal()
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v), []byte(other)) == 1
}

// Redacted is safe to print in logs.
func (s *Secret) Redacted() string {
	if s.IsEmpty() {
		return "<empty>"
	}
	return "<redacted>"
}

// Destroy drops the enclave. Later Reveal calls fail with ErrDestroyed.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enclave = nil
	s.gone = true
}

// Init installs memguard's interrupt handler, which purges protected memory
// before the process exits on SIGINT.
func Init() {
	memguard.CatchInterrupt()
}

// Purge wipes every memguard buffer. Call once on shutdown.
func Purge() {
	memguard.Purge()
}
