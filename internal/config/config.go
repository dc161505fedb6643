// Package config loads and validates statesync session scripts.
package config

// Step action names, also used as the YAML keys that select them.
const (
	ActionSet     = "set"
	ActionBack    = "back"
	ActionForward = "forward"
	ActionSave    = "save"
	ActionWait    = "wait"
	ActionLoad    = "load"
	ActionExpect  = "expect"
)

// Script is the top-level structure of a session script YAML file.
type Script struct {
	Name          string      `yaml:"name"`
	SchemaVersion string      `yaml:"schemaVersion"`
	Actor         string      `yaml:"actor"`
	InitialURL    string      `yaml:"initial_url,omitempty"`
	Store         StoreConfig `yaml:"store,omitempty"`
	Steps         []Step      `yaml:"steps"`

	// FilePath is the source file, kept for error messages. Not parsed.
	FilePath string `yaml:"-"`
}

// Step is one scripted action. Exactly one action field is set.
type Step struct {
	Name string `yaml:"name,omitempty"`

	Set     *SetStep    `yaml:"set,omitempty"`
	Back    *int        `yaml:"back,omitempty"`
	Forward *int        `yaml:"forward,omitempty"`
	Save    *SaveStep   `yaml:"save,omitempty"`
	Wait    *WaitStep   `yaml:"wait,omitempty"`
	Load    *LoadStep   `yaml:"load,omitempty"`
	Expect  *ExpectStep `yaml:"expect,omitempty"`
}

// SetStep writes one snapshot key through the history controller.
type SetStep struct {
	Key     string      `yaml:"key"`
	Value   interface{} `yaml:"value"`
	Replace bool        `yaml:"replace,omitempty"`
	Silent  bool        `yaml:"silent,omitempty"`
}

// SaveStep hands a payload to the save coordinator.
type SaveStep struct {
	Payload interface{} `yaml:"payload"`
	Force   bool        `yaml:"force,omitempty"`
}

// WaitStep blocks until the save coordinator is idle.
type WaitStep struct {
	Timeout string `yaml:"timeout,omitempty"`
}

// LoadStep loads a stored record into the save coordinator.
type LoadStep struct {
	ID string `yaml:"id"`
}

// ExpectStep asserts on the current snapshot or URL. When Key is set,
// Value is coerced like a set value and compared with the current one; a
// null Value expects the key to be absent or at its default.
type ExpectStep struct {
	Key   string      `yaml:"key,omitempty"`
	Value interface{} `yaml:"value,omitempty"`
	URL   string      `yaml:"url,omitempty"`
}

// Actions returns the action names set on the step, in declaration order.
func (s *Step) Actions() []string {
	var actions []string
	if s.Set != nil {
		actions = append(actions, ActionSet)
	}
	if s.Back != nil {
		actions = append(actions, ActionBack)
	}
	if s.Forward != nil {
		actions = append(actions, ActionForward)
	}
	if s.Save != nil {
		actions = append(actions, ActionSave)
	}
	if s.Wait != nil {
		actions = append(actions, ActionWait)
	}
	if s.Load != nil {
		actions = append(actions, ActionLoad)
	}
	if s.Expect != nil {
		actions = append(actions, ActionExpect)
	}
	return actions
}

// Action is the step's single action name, or "" when the step is invalid.
func (s *Step) Action() string {
	if actions := s.Actions(); len(actions) == 1 {
		return actions[0]
	}
	return ""
}
