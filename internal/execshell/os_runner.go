package execshell

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
)

const environmentAssignmentSeparatorConstant = "="

// OSCommandRunner starts real processes through os/exec.
type OSCommandRunner struct{}

// NewOSCommandRunner constructs a runner backed by os/exec.
func NewOSCommandRunner() *OSCommandRunner {
	return &OSCommandRunner{}
}

// Run executes command and waits for it. A non-zero exit is reported in the result, not as an error.
func (runner *OSCommandRunner) Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	executable := exec.CommandContext(executionContext, string(command.Name), command.Details.Arguments...)
	executable.Dir = command.Details.WorkingDirectory
	if len(command.Details.EnvironmentVariables) > 0 {
		executable.Env = append(os.Environ(), environmentAssignments(command.Details.EnvironmentVariables)...)
	}
	if len(command.Details.StandardInput) > 0 {
		executable.Stdin = bytes.NewReader(command.Details.StandardInput)
	}

	var standardOutputBuffer bytes.Buffer
	var standardErrorBuffer bytes.Buffer
	executable.Stdout = &standardOutputBuffer
	executable.Stderr = &standardErrorBuffer

	result := ExecutionResult{}
	runError := executable.Run()
	if runError != nil {
		var exitError *exec.ExitError
		if !errors.As(runError, &exitError) {
			return ExecutionResult{}, runError
		}
		result.ExitCode = exitError.ExitCode()
	}
	result.StandardOutput = standardOutputBuffer.String()
	result.StandardError = standardErrorBuffer.String()
	return result, nil
}

func environmentAssignments(variables map[string]string) []string {
	keys := make([]string, 0, len(variables))
	for key := range variables {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	assignments := make([]string, 0, len(keys))
	for _, key := range keys {
		assignments = append(assignments, key+environmentAssignmentSeparatorConstant+variables[key])
	}
	return assignments
}
