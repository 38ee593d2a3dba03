package execshell

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// CommandName identifies an executable.
type CommandName string

// CommandGit is the git executable.
const CommandGit CommandName = "git"

const (
	loggerMissingMessageConstant          = "shell executor logger not configured"
	runnerMissingMessageConstant          = "shell executor command runner not configured"
	commandFailedErrorTemplateConstant    = "%s exited with code %d: %s"
	commandExecutionErrorTemplateConstant = "%s could not be executed: %v"
	commandLabelSeparatorConstant         = " "
	logFieldCommandConstant               = "command"
	logFieldWorkingDirectoryConstant      = "working_directory"
	logFieldExitCodeConstant              = "exit_code"
	logFieldStandardErrorConstant         = "stderr"
)

// ErrLoggerNotConfigured indicates the executor was built without a logger.
var ErrLoggerNotConfigured = errors.New(loggerMissingMessageConstant)

// ErrCommandRunnerNotConfigured indicates the executor was built without a runner.
var ErrCommandRunnerNotConfigured = errors.New(runnerMissingMessageConstant)

// CommandDetails carries the arguments and environment of one invocation.
type CommandDetails struct {
	Arguments            []string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	StandardInput        []byte
}

// ShellCommand pairs an executable with its details.
type ShellCommand struct {
	Name    CommandName
	Details CommandDetails
}

// String renders the command line for logs and errors.
func (command ShellCommand) String() string {
	return strings.Join(append([]string{string(command.Name)}, command.Details.Arguments...), commandLabelSeparatorConstant)
}

// ExecutionResult captures the outputs of a finished process.
type ExecutionResult struct {
	StandardOutput string
	StandardError  string
	ExitCode       int
}

// CommandRunner starts processes.
type CommandRunner interface {
	Run(executionContext context.Context, command ShellCommand) (ExecutionResult, error)
}

// CommandFailedError reports a process that exited with a non-zero code.
type CommandFailedError struct {
	Command ShellCommand
	Result  ExecutionResult
}

// Error describes the failed command.
func (failedError CommandFailedError) Error() string {
	return fmt.Sprintf(commandFailedErrorTemplateConstant, failedError.Command, failedError.Result.ExitCode, strings.TrimSpace(failedError.Result.StandardError))
}

// CommandExecutionError reports a process that could not be started or awaited.
type CommandExecutionError struct {
	Command ShellCommand
	Cause   error
}

// Error describes the execution failure.
func (executionError CommandExecutionError) Error() string {
	return fmt.Sprintf(commandExecutionErrorTemplateConstant, executionError.Command, executionError.Cause)
}

// Unwrap exposes the underlying failure.
func (executionError CommandExecutionError) Unwrap() error {
	return executionError.Cause
}

// ShellExecutor runs commands and logs their lifecycle.
type ShellExecutor struct {
	logger    *zap.Logger
	runner    CommandRunner
	formatter CommandMessageFormatter
}

// NewShellExecutor validates collaborators.
func NewShellExecutor(logger *zap.Logger, runner CommandRunner) (*ShellExecutor, error) {
	if logger == nil {
		return nil, ErrLoggerNotConfigured
	}
	if runner == nil {
		return nil, ErrCommandRunnerNotConfigured
	}
	return &ShellExecutor{logger: logger, runner: runner, formatter: CommandMessageFormatter{}}, nil
}

// Execute runs command. A non-zero exit code yields CommandFailedError and an empty result.
func (executor *ShellExecutor) Execute(executionContext context.Context, command ShellCommand) (ExecutionResult, error) {
	commandFields := []zap.Field{
		zap.String(logFieldCommandConstant, command.String()),
		zap.String(logFieldWorkingDirectoryConstant, command.Details.WorkingDirectory),
	}
	executor.logger.Debug(executor.formatter.BuildStartedMessage(command), commandFields...)

	result, runError := executor.runner.Run(executionContext, command)
	if runError != nil {
		executor.logger.Warn(executor.formatter.BuildExecutionFailureMessage(command, runError), append(commandFields, zap.Error(runError))...)
		return ExecutionResult{}, CommandExecutionError{Command: command, Cause: runError}
	}
	if result.ExitCode != 0 {
		executor.logger.Warn(
			executor.formatter.BuildFailureMessage(command, result),
			append(commandFields, zap.Int(logFieldExitCodeConstant, result.ExitCode), zap.String(logFieldStandardErrorConstant, result.StandardError))...,
		)
		return ExecutionResult{}, CommandFailedError{Command: command, Result: result}
	}

	executor.logger.Debug(executor.formatter.BuildSuccessMessage(command), commandFields...)
	return result, nil
}

// ExecuteGit runs git with details.
func (executor *ShellExecutor) ExecuteGit(executionContext context.Context, details CommandDetails) (ExecutionResult, error) {
	return executor.Execute(executionContext, ShellCommand{Name: CommandGit, Details: details})
}
