package config

import "time"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Defaults applied by StoreConfig accessors when a field is unset.
const (
	DefaultBusyRetries = 3
	DefaultBusyTimeout = 5 * time.Second
	DefaultWaitTimeout = 30 * time.Second
)

// StoreConfig selects the record transport a session saves to.
type StoreConfig struct {
	// Driver is "memory" (default) or "sqlite".
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	// Path is the SQLite database file; ":memory:" is allowed.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// BusyRetries is how many times a locked SQLite call is attempted.
	BusyRetries *int `yaml:"busy_retries,omitempty" json:"busy_retries,omitempty"`
	// BusyTimeout is the SQLite busy_timeout pragma, as a Go duration.
	BusyTimeout string `yaml:"busy_timeout,omitempty" json:"busy_timeout,omitempty"`
}

// DriverName returns Driver, defaulting to memory.
func (s StoreConfig) DriverName() string {
	if s.Driver == "" {
		return DriverMemory
	}
	return s.Driver
}

// Retries returns BusyRetries or the default.
func (s StoreConfig) Retries() int {
	if s.BusyRetries == nil {
		return DefaultBusyRetries
	}
	return *s.BusyRetries
}

// Timeout returns BusyTimeout parsed, or the default. Invalid values are
// rejected during validation.
func (s StoreConfig) Timeout() time.Duration {
	if d, err := time.ParseDuration(s.BusyTimeout); err == nil && d > 0 {
		return d
	}
	return DefaultBusyTimeout
}

// TimeoutDuration returns the wait timeout or DefaultWaitTimeout.
func (w WaitStep) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(w.Timeout); err == nil && d > 0 {
		return d
	}
	return DefaultWaitTimeout
}

// Count returns the number of history entries a back or forward step moves.
func Count(n *int) int {
	if n == nil || *n < 1 {
		return 1
	}
	return *n
}
