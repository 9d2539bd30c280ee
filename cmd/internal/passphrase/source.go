package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when the confirmation prompt does not match.
var ErrMismatch = errors.New("passphrases do not match")

// Source resolves a keystore passphrase from an environment variable or by
// prompting on the terminal. The first result, success or failure, is cached.
type Source struct {
	envVar  string
	label   string
	confirm bool

	// readPassword is swapped in tests.
	readPassword func(label string) (string, error)
	interactive  func() bool

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// WithLabel names the secret in the prompt, e.g. "issuer keystore".
func WithLabel(label string) Option {
	return func(s *Source) {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			s.label = trimmed
		}
	}
}

// WithConfirm asks for the passphrase twice when prompting. Used when a new
// keystore is about to be written.
func WithConfirm() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource checks envVar before falling back to an interactive prompt.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar:       strings.TrimSpace(envVar),
		label:        "keystore",
		readPassword: promptTerminal,
		interactive:  func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase. An env value is used verbatim but must not be
// blank; prompted values are rejected when blank.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if !s.interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
		}
		return "", fmt.Errorf("%s passphrase required and no terminal available", s.label)
	}
	value, err := s.readPassword(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	if s.confirm {
		again, err := s.readPassword(fmt.Sprintf("Repeat %s passphrase: ", s.label))
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		if again != value {
			return "", ErrMismatch
		}
	}
	return value, nil
}

func promptTerminal(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
