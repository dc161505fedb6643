package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sserrors "github.com/gxo-labs/statesync/pkg/statesync/v1/errors"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersionConstraint is the major schemaVersion this build
// accepts.
const SupportedSchemaVersionConstraint = "v1"

// LoadScript parses and validates a session script: JSON schema first, then
// strict YAML decoding, the schemaVersion check and logical validation.
func LoadScript(scriptYAML []byte, filePathHint string) (*Script, error) {
	if len(bytes.TrimSpace(scriptYAML)) == 0 {
		return nil, sserrors.NewConfigError("script content cannot be empty", nil)
	}

	if err := ValidateWithSchema(scriptYAML); err != nil {
		return nil, sserrors.NewConfigError(fmt.Sprintf("script '%s' failed schema validation", filePathHint), err)
	}

	var script Script
	if err := yamlUnmarshalStrict(scriptYAML, &script); err != nil {
		return nil, sserrors.NewConfigError(fmt.Sprintf("failed to parse script YAML '%s'", filePathHint), err)
	}
	script.FilePath = filePathHint

	if err := checkSchemaVersion(script.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	if errs := ValidateScript(&script); len(errs) > 0 {
		messages := make([]string, 0, len(errs))
		for _, vErr := range errs {
			messages = append(messages, vErr.Error())
		}
		combined := fmt.Sprintf("script '%s' has %d validation error(s):\n- %s",
			filePathHint, len(messages), strings.Join(messages, "\n- "))
		return nil, sserrors.NewValidationError(combined, errs[0])
	}
	return &script, nil
}

// LoadScriptFromFile reads a script from disk and loads it.
func LoadScriptFromFile(filePath string) (*Script, error) {
	if filePath == "" {
		return nil, sserrors.NewConfigError("script file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, sserrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, sserrors.NewConfigError(fmt.Sprintf("failed to read script file '%s'", absPath), err)
	}
	return LoadScript(data, absPath)
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return sserrors.NewValidationError(fmt.Sprintf("script '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return sserrors.NewValidationError(fmt.Sprintf("script '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaVersionConstraint {
		return sserrors.NewValidationError(
			fmt.Sprintf("script '%s' schemaVersion '%s' is not compatible with required '%s'",
				filePathHint, version, SupportedSchemaVersionConstraint), nil)
	}
	return nil
}

// yamlUnmarshalStrict rejects fields the target struct does not declare.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
