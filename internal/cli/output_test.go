package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	rendered := false
	data := map[string]string{"result": "success"}
	err := formatter.Success(data, func(io.Writer) { rendered = true })
	require.NoError(t, err)
	assert.False(t, rendered, "JSON output must not call the text renderer")

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E_CONFIG", "duplicate resource name", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_CONFIG", resp.Error.Code)
	assert.Equal(t, "duplicate resource name", resp.Error.Message)
}

func TestOutputFormatter_JSONErrorWithDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	details := map[string]string{"file": "resources.yaml", "resource": "ora"}
	err := formatter.Error("E_CONFIG", "unknown key", details)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	t.Run("render", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := formatter.Success(42, func(w io.Writer) {
			fmt.Fprintln(w, "ora scaled to 42 instances")
		})
		require.NoError(t, err)
		assert.Equal(t, "ora scaled to 42 instances\n", buf.String())
	})

	t.Run("no render", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := formatter.Success("All resources valid", nil)
		require.NoError(t, err)
		assert.Equal(t, "All resources valid\n", buf.String())
	})
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error("E_REFUSED", "unknown resource", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_REFUSED]")
	assert.Contains(t, buf.String(), "unknown resource")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorDetails(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	details := map[string]string{"file": "resources.yaml"}
	err := formatter.Error("E_CONFIG", "invalid configuration", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E_CONFIG]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exit error", NewExitError(ExitCommandError, "bad args"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "inner", errors.New("cause"))), ExitFailure},
		{"plain error", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapExitError(ExitCommandError, "is the manager running?", cause)

	assert.Equal(t, "is the manager running?: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "bad args", NewExitError(ExitCommandError, "bad args").Error())
}

func TestCLIError_JSON(t *testing.T) {
	cliErr := CLIError{
		Code:    "E_TEST_FAILED",
		Message: "1 scenario(s) failed",
		Details: []string{"two_phase_commit"},
	}

	data, err := json.Marshal(cliErr)
	require.NoError(t, err)

	var decoded CLIError
	err = json.Unmarshal(data, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "E_TEST_FAILED", decoded.Code)
	assert.Equal(t, "1 scenario(s) failed", decoded.Message)
}
