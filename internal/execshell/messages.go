package execshell

import (
	"fmt"
	"strings"
)

type messageStage int

const (
	messageStageStart messageStage = iota
	messageStageSuccess
	messageStageFailure
	messageStageExecutionFailure
)

const (
	genericStartTemplateConstant            = "Running %s%s"
	genericSuccessTemplateConstant          = "Completed %s%s"
	genericFailureTemplateConstant          = "%s%s failed with exit code %d%s"
	genericExecutionFailureTemplateConstant = "%s%s failed: %s"
	workingDirectorySuffixTemplateConstant  = " (in %s)"
	standardErrorSuffixTemplateConstant     = ": %s"
	unknownFailureMessageConstant           = "unknown error"
	defaultWorkingDirectoryLabelConstant    = "current directory"
)

const (
	gitGarbageCollectSubcommandConstant = "gc"
	gitCountObjectsSubcommandConstant   = "count-objects"
	gitPruneSubcommandConstant          = "prune"
	gitAutoFlagConstant                 = "--auto"
)

const (
	gitGarbageCollectStartTemplateConstant            = "Compacting object store in %s"
	gitGarbageCollectAutoStartTemplateConstant        = "Checking whether %s needs compaction"
	gitGarbageCollectSuccessTemplateConstant          = "Object store in %s is compact"
	gitGarbageCollectFailureTemplateConstant          = "Failed to compact object store in %s (exit code %d%s)"
	gitGarbageCollectExecutionFailureTemplateConstant = "Unable to compact object store in %s: %s"
	gitCountObjectsStartTemplateConstant              = "Counting objects in %s"
	gitCountObjectsSuccessTemplateConstant            = "Counted objects in %s"
	gitCountObjectsFailureTemplateConstant            = "Failed to count objects in %s (exit code %d%s)"
	gitCountObjectsExecutionFailureTemplateConstant   = "Unable to count objects in %s: %s"
	gitPruneStartTemplateConstant                     = "Pruning unreachable objects in %s"
	gitPruneSuccessTemplateConstant                   = "Pruned unreachable objects in %s"
	gitPruneFailureTemplateConstant                   = "Failed to prune unreachable objects in %s (exit code %d%s)"
	gitPruneExecutionFailureTemplateConstant          = "Unable to prune unreachable objects in %s: %s"
)

type stageTemplates struct {
	start            string
	success          string
	failure          string
	executionFailure string
}

var gitSubcommandTemplates = map[string]stageTemplates{
	gitGarbageCollectSubcommandConstant: {
		start:            gitGarbageCollectStartTemplateConstant,
		success:          gitGarbageCollectSuccessTemplateConstant,
		failure:          gitGarbageCollectFailureTemplateConstant,
		executionFailure: gitGarbageCollectExecutionFailureTemplateConstant,
	},
	gitCountObjectsSubcommandConstant: {
		start:            gitCountObjectsStartTemplateConstant,
		success:          gitCountObjectsSuccessTemplateConstant,
		failure:          gitCountObjectsFailureTemplateConstant,
		executionFailure: gitCountObjectsExecutionFailureTemplateConstant,
	},
	gitPruneSubcommandConstant: {
		start:            gitPruneStartTemplateConstant,
		success:          gitPruneSuccessTemplateConstant,
		failure:          gitPruneFailureTemplateConstant,
		executionFailure: gitPruneExecutionFailureTemplateConstant,
	},
}

// CommandMessageFormatter builds human-readable messages for command lifecycle events.
type CommandMessageFormatter struct{}

// BuildStartedMessage formats the message describing a command about to run.
func (formatter CommandMessageFormatter) BuildStartedMessage(command ShellCommand) string {
	return formatter.buildMessage(command, ExecutionResult{}, nil, messageStageStart)
}

// BuildSuccessMessage formats the message describing a completed command with a zero exit code.
func (formatter CommandMessageFormatter) BuildSuccessMessage(command ShellCommand) string {
	return formatter.buildMessage(command, ExecutionResult{}, nil, messageStageSuccess)
}

// BuildFailureMessage formats the message describing a command that returned a non-zero exit code.
func (formatter CommandMessageFormatter) BuildFailureMessage(command ShellCommand, result ExecutionResult) string {
	return formatter.buildMessage(command, result, nil, messageStageFailure)
}

// BuildExecutionFailureMessage formats the message describing an unexpected execution failure.
func (formatter CommandMessageFormatter) BuildExecutionFailureMessage(command ShellCommand, failure error) string {
	return formatter.buildMessage(command, ExecutionResult{}, failure, messageStageExecutionFailure)
}

func (formatter CommandMessageFormatter) buildMessage(command ShellCommand, result ExecutionResult, failure error, stage messageStage) string {
	if command.Name != CommandGit || len(command.Details.Arguments) == 0 {
		return formatter.buildGenericMessage(command, result, failure, stage)
	}
	subcommand := strings.TrimSpace(command.Details.Arguments[0])
	templates, known := gitSubcommandTemplates[subcommand]
	if !known {
		return formatter.buildGenericMessage(command, result, failure, stage)
	}

	directory := formatter.describeWorkingDirectory(command)
	switch stage {
	case messageStageStart:
		if subcommand == gitGarbageCollectSubcommandConstant && containsArgument(command.Details.Arguments, gitAutoFlagConstant) {
			return fmt.Sprintf(gitGarbageCollectAutoStartTemplateConstant, directory)
		}
		return fmt.Sprintf(templates.start, directory)
	case messageStageSuccess:
		return fmt.Sprintf(templates.success, directory)
	case messageStageFailure:
		return fmt.Sprintf(templates.failure, directory, result.ExitCode, formatter.formatStandardErrorSuffix(result.StandardError))
	default:
		return fmt.Sprintf(templates.executionFailure, directory, formatter.describeFailure(failure))
	}
}

func (formatter CommandMessageFormatter) buildGenericMessage(command ShellCommand, result ExecutionResult, failure error, stage messageStage) string {
	label := command.String()
	suffix := formatter.formatWorkingDirectorySuffix(command)
	switch stage {
	case messageStageStart:
		return fmt.Sprintf(genericStartTemplateConstant, label, suffix)
	case messageStageSuccess:
		return fmt.Sprintf(genericSuccessTemplateConstant, label, suffix)
	case messageStageFailure:
		return fmt.Sprintf(genericFailureTemplateConstant, label, suffix, result.ExitCode, formatter.formatStandardErrorSuffix(result.StandardError))
	default:
		return fmt.Sprintf(genericExecutionFailureTemplateConstant, label, suffix, formatter.describeFailure(failure))
	}
}

func (formatter CommandMessageFormatter) formatWorkingDirectorySuffix(command ShellCommand) string {
	workingDirectory := strings.TrimSpace(command.Details.WorkingDirectory)
	if len(workingDirectory) == 0 {
		return ""
	}
	return fmt.Sprintf(workingDirectorySuffixTemplateConstant, workingDirectory)
}

func (formatter CommandMessageFormatter) formatStandardErrorSuffix(standardError string) string {
	trimmed := strings.TrimSpace(standardError)
	if len(trimmed) == 0 {
		return ""
	}
	return fmt.Sprintf(standardErrorSuffixTemplateConstant, trimmed)
}

func (formatter CommandMessageFormatter) describeWorkingDirectory(command ShellCommand) string {
	workingDirectory := strings.TrimSpace(command.Details.WorkingDirectory)
	if len(workingDirectory) == 0 {
		return defaultWorkingDirectoryLabelConstant
	}
	return workingDirectory
}

func (formatter CommandMessageFormatter) describeFailure(failure error) string {
	if failure == nil {
		return unknownFailureMessageConstant
	}
	return failure.Error()
}

func containsArgument(arguments []string, value string) bool {
	for _, argument := range arguments {
		if strings.TrimSpace(argument) == value {
			return true
		}
	}
	return false
}
