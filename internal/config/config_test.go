package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gxo-labs/statesync/internal/config"
	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScript = `
schemaVersion: "1.0.0"
name: oak-search
actor: alice
initial_url: /map?z=12/40.7/-74
store:
  driver: sqlite
  path: ":memory:"
  busy_retries: 5
  busy_timeout: 2s
steps:
  - name: filter
    set:
      key: search
      value:
        filter: {species: oak}
  - set: {key: modeName, value: detail, replace: true}
  - back: 1
  - forward: 1
  - save:
      payload: {name: A}
  - save: {payload: {name: B}, force: true}
  - wait: {timeout: 1s}
  - load: {id: 7}
  - expect: {key: modeName, value: detail}
  - expect: {url: "/map?m=detail"}
`

func TestLoadScript_Valid(t *testing.T) {
	script, err := config.LoadScript([]byte(validScript), "inline.yaml")
	require.NoError(t, err)

	assert.Equal(t, "oak-search", script.Name)
	assert.Equal(t, "alice", script.Actor)
	assert.Equal(t, "inline.yaml", script.FilePath)
	assert.Equal(t, config.DriverSQLite, script.Store.DriverName())
	assert.Equal(t, 5, script.Store.Retries())
	assert.Equal(t, 2*time.Second, script.Store.Timeout())
	require.Len(t, script.Steps, 10)

	actions := make([]string, 0, len(script.Steps))
	for i := range script.Steps {
		actions = append(actions, script.Steps[i].Action())
	}
	assert.Equal(t, []string{
		config.ActionSet, config.ActionSet, config.ActionBack, config.ActionForward,
		config.ActionSave, config.ActionSave, config.ActionWait, config.ActionLoad,
		config.ActionExpect, config.ActionExpect,
	}, actions)

	assert.Equal(t, map[string]interface{}{"filter": map[string]interface{}{"species": "oak"}}, script.Steps[0].Set.Value)
	assert.True(t, script.Steps[1].Set.Replace)
	assert.True(t, script.Steps[5].Save.Force)
	assert.Equal(t, time.Second, script.Steps[6].Wait.TimeoutDuration())
	assert.Equal(t, "7", script.Steps[7].Load.ID)
}

func TestLoadScript_Defaults(t *testing.T) {
	script, err := config.LoadScript([]byte(`
schemaVersion: v1.2.0
actor: bob
steps:
  - wait: {}
`), "defaults.yaml")
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, script.Store.DriverName())
	assert.Equal(t, config.DefaultBusyRetries, script.Store.Retries())
	assert.Equal(t, config.DefaultBusyTimeout, script.Store.Timeout())
	assert.Equal(t, config.DefaultWaitTimeout, script.Steps[0].Wait.TimeoutDuration())
	assert.Equal(t, 1, config.Count(nil))
}

func TestLoadScript_SchemaErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		substr string
	}{
		{"empty", "   \n", "cannot be empty"},
		{"missing actor", "schemaVersion: '1.0.0'\nsteps: [{wait: {}}]\n", "actor"},
		{"unknown top-level field", "schemaVersion: '1.0.0'\nactor: a\nsteps: [{wait: {}}]\nvars: {}\n", "vars"},
		{"unknown driver", "schemaVersion: '1.0.0'\nactor: a\nstore: {driver: postgres}\nsteps: [{wait: {}}]\n", "driver"},
		{"bad duration", "schemaVersion: '1.0.0'\nactor: a\nsteps: [{wait: {timeout: soon}}]\n", "timeout"},
		{"zero back", "schemaVersion: '1.0.0'\nactor: a\nsteps: [{back: 0}]\n", "back"},
		{"no steps", "schemaVersion: '1.0.0'\nactor: a\nsteps: []\n", "steps"},
		{"not yaml", "schemaVersion: [\n", "parse"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.LoadScript([]byte(tc.yaml), tc.name)
			require.Error(t, err)
			var cfgErr *sserrors.ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %T", err)
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestLoadScript_SchemaVersion(t *testing.T) {
	tests := []struct {
		version string
		substr  string
	}{
		{"2.0.0", "not compatible"},
		{"one", "invalid 'schemaVersion' format"},
	}
	for _, tc := range tests {
		t.Run(tc.version, func(t *testing.T) {
			_, err := config.LoadScript([]byte("schemaVersion: '"+tc.version+"'\nactor: a\nsteps: [{wait: {}}]\n"), "v.yaml")
			var vErr *sserrors.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Contains(t, err.Error(), tc.substr)
		})
	}
}

func TestLoadScript_LogicalErrorsAreCollected(t *testing.T) {
	_, err := config.LoadScript([]byte(`
schemaVersion: "1.0.0"
actor: alice
store: {driver: sqlite, busy_timeout: 0s}
steps:
  - name: twice
    wait: {}
  - name: twice
    back: 1
    forward: 1
  - name: lonely
  - expect: {value: 3}
  - wait: {timeout: 0s}
`), "broken.yaml")
	var vErr *sserrors.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)

	msg := err.Error()
	assert.Contains(t, msg, "7 validation error(s)")
	assert.Contains(t, msg, "requires 'path'")
	assert.Contains(t, msg, "'busy_timeout' must be positive")
	assert.Contains(t, msg, "duplicate step name")
	assert.Contains(t, msg, "exactly one action allowed, found back, forward")
	assert.Contains(t, msg, "step 2 ('lonely'): no action given")
	assert.Contains(t, msg, "'expect' needs 'key' or 'url'")
	assert.Contains(t, msg, "'wait.timeout' must be positive")
}

func TestValidateScript_MemoryRejectsPath(t *testing.T) {
	errs := config.ValidateScript(&config.Script{
		Actor: "alice",
		Store: config.StoreConfig{Path: "records.db"},
		Steps: []config.Step{{Wait: &config.WaitStep{}}},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "only valid with driver 'sqlite'")
}

func TestLoadScriptFromFile(t *testing.T) {
	_, err := config.LoadScriptFromFile("")
	assert.Error(t, err)

	_, err = config.LoadScriptFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	var cfgErr *sserrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScript), 0o600))
	script, err := config.LoadScriptFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, script.FilePath)
}
