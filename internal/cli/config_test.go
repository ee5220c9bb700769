package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConfigValidate(t *testing.T, format, name, body string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--format", format, "config", "validate", path})
	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigValidateYAML(t *testing.T) {
	out, err := runConfigValidate(t, "text", "resources.yaml", `
resources:
  - {key: mockup, name: ora, instances: 2}
  - {key: db2, instances: 1}
switches:
  - {key: db2, server: /opt/bin/db2-proxy}
`)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "(built in)")
	assert.Contains(t, out, "/opt/bin/db2-proxy")
	assert.Contains(t, out, "✓ 2 resources valid")
}

func TestConfigValidateCUEJSON(t *testing.T) {
	out, err := runConfigValidate(t, "json", "resources.cue", `resources: [{key: "mockup", instances: 1}]`)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestConfigValidateUnservedKey(t *testing.T) {
	out, err := runConfigValidate(t, "text", "resources.yaml", "resources:\n  - {key: informix, instances: 1}\n")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E_CONFIG]")
	assert.Contains(t, out, "informix")
}

func TestConfigValidateInvalid(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"duplicate name", "dup.yaml", "resources:\n  - {key: mockup, name: a}\n  - {key: mockup, name: a}\n", "duplicate name"},
		{"negative instances", "neg.yaml", "resources:\n  - {key: mockup, instances: -1}\n", "must not be negative"},
		{"unknown extension", "resources.toml", "", "unknown configuration format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runConfigValidate(t, "json", tt.file, tt.body)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "E_CONFIG", resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.want)
		})
	}
}
