package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
)

// ValidateScript checks rules the JSON schema cannot express and returns
// every violation found.
func ValidateScript(s *Script) []error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, sserrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if strings.TrimSpace(s.Actor) == "" {
		fail("'actor' is required")
	}
	if len(s.Steps) == 0 {
		fail("script must contain at least one step in 'steps' list")
	}
	if s.InitialURL != "" {
		if _, err := url.Parse(s.InitialURL); err != nil {
			fail("'initial_url' is not a valid URL: %v", err)
		}
	}

	switch s.Store.DriverName() {
	case DriverMemory:
		if s.Store.Path != "" {
			fail("store 'path' is only valid with driver '%s'", DriverSQLite)
		}
	case DriverSQLite:
		if s.Store.Path == "" {
			fail("store driver '%s' requires 'path'", DriverSQLite)
		}
	default:
		fail("store has unknown driver '%s'", s.Store.Driver)
	}
	if s.Store.BusyRetries != nil && *s.Store.BusyRetries < 1 {
		fail("store 'busy_retries' must be at least 1")
	}
	if s.Store.BusyTimeout != "" {
		if d, err := time.ParseDuration(s.Store.BusyTimeout); err != nil {
			fail("store has invalid 'busy_timeout': %v", err)
		} else if d <= 0 {
			fail("store 'busy_timeout' must be positive")
		}
	}

	names := make(map[string]int)
	for i := range s.Steps {
		step := &s.Steps[i]
		label := StepLabel(i, step)

		if step.Name != "" {
			if prev, dup := names[step.Name]; dup {
				fail("%s: duplicate step name (first used by step %d)", label, prev)
			} else {
				names[step.Name] = i
			}
		}

		actions := step.Actions()
		switch len(actions) {
		case 0:
			fail("%s: no action given", label)
			continue
		case 1:
		default:
			fail("%s: exactly one action allowed, found %s", label, strings.Join(actions, ", "))
			continue
		}

		switch {
		case step.Set != nil:
			if step.Set.Key == "" {
				fail("%s: 'set.key' is required", label)
			}
		case step.Back != nil && *step.Back < 1:
			fail("%s: 'back' must be at least 1", label)
		case step.Forward != nil && *step.Forward < 1:
			fail("%s: 'forward' must be at least 1", label)
		case step.Wait != nil && step.Wait.Timeout != "":
			if d, err := time.ParseDuration(step.Wait.Timeout); err != nil {
				fail("%s: invalid format for 'wait.timeout': %v", label, err)
			} else if d <= 0 {
				fail("%s: 'wait.timeout' must be positive", label)
			}
		case step.Load != nil && strings.TrimSpace(step.Load.ID) == "":
			fail("%s: 'load.id' is required", label)
		case step.Expect != nil:
			if step.Expect.Key == "" && step.Expect.URL == "" {
				fail("%s: 'expect' needs 'key' or 'url'", label)
			} else if step.Expect.Key == "" && step.Expect.Value != nil {
				fail("%s: 'expect.value' requires 'expect.key'", label)
			}
		}
	}
	return errs
}

// StepLabel names a step in messages.
func StepLabel(i int, step *Step) string {
	if step.Name != "" {
		return fmt.Sprintf("step %d ('%s')", i, step.Name)
	}
	return fmt.Sprintf("step %d", i)
}
