package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is matched by every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError collects every problem found in a configuration. It is fatal:
// the only remedy is to correct the configuration and run again.
type ConfigError struct {
	Problems []error
}

func (e *ConfigError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, p.Error())
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func (e *ConfigError) Unwrap() []error {
	return e.Problems
}

// missing reports an absent required key by its dotted path.
func missing(path string) error {
	return fmt.Errorf("missing required key %q", path)
}

// asError returns nil when there are no problems.
func asError(problems []error) error {
	if len(problems) == 0 {
		return nil
	}
	return &ConfigError{Problems: problems}
}
