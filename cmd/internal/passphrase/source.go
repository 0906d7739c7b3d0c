package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned when a confirmed prompt receives two different entries.
var ErrMismatch = errors.New("passphrases do not match")

// Source yields the passphrase guarding a participant keystore. The
// environment is consulted first; otherwise the terminal is prompted once and
// the answer reused.
type Source struct {
	envVar  string
	label   string
	confirm bool

	prompt func(string) (string, error)
	lookup func(string) (string, bool)

	once  sync.Once
	value string
	err   error
}

// NewSource reads envVar, falling back to a prompt naming label.
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	return &Source{
		envVar: strings.TrimSpace(envVar),
		label:  label,
		prompt: promptTerminal,
		lookup: os.LookupEnv,
	}
}

// Confirmed asks twice when prompting. Used when a new keystore is created.
func (s *Source) Confirmed() *Source {
	s.confirm = true
	return s
}

func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if blank(value) {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	if s.prompt == nil {
		return "", s.unavailable()
	}

	first, err := s.prompt(fmt.Sprintf("Enter %s passphrase: ", s.label))
	if err != nil {
		if errors.Is(err, errNoTerminal) {
			return "", s.unavailable()
		}
		return "", err
	}
	if blank(first) {
		return "", fmt.Errorf("%s passphrase cannot be empty", s.label)
	}
	if !s.confirm {
		return first, nil
	}
	second, err := s.prompt(fmt.Sprintf("Repeat %s passphrase: ", s.label))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrMismatch
	}
	return first, nil
}

func (s *Source) unavailable() error {
	if s.envVar != "" {
		return fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
	}
	return fmt.Errorf("%s passphrase required and no terminal available", s.label)
}

var errNoTerminal = errors.New("stdin is not a terminal")

func promptTerminal(message string) (string, error) {
	return readHidden(os.Stdin, os.Stderr, message)
}

func readHidden(in *os.File, out io.Writer, message string) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(out, message)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func blank(value string) bool { return strings.TrimSpace(value) == "" }
