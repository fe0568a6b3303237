// Package passphrase resolves the operator keystore passphrase once per
// process, from the environment when set and otherwise by prompting on the
// terminal.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source caches the resolved passphrase so every keystore open in the process
// reuses the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that consults envVar before prompting.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get resolves the passphrase on first call and returns the cached result
// afterwards. Whitespace-only passphrases are rejected so keystores are never
// written unprotected.
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
	return s.prompt()
}

func (s *Source) prompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("operator keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Enter operator keystore passphrase: ")
	entered, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(entered)) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	return string(entered), nil
}
