package execshell

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandMessageFormatter(t *testing.T) {
	testCases := []struct {
		name     string
		command  ShellCommand
		build    func(formatter CommandMessageFormatter, command ShellCommand) string
		expected string
	}{
		{
			name:     "gc_auto_start",
			command:  ShellCommand{Name: CommandGit, Details: CommandDetails{Arguments: []string{"gc", "--auto", "--quiet"}, WorkingDirectory: "/var/lib/premerge"}},
			build:    CommandMessageFormatter.BuildStartedMessage,
			expected: "Checking whether /var/lib/premerge needs compaction",
		},
		{
			name:     "gc_success",
			command:  ShellCommand{Name: CommandGit, Details: CommandDetails{Arguments: []string{"gc"}, WorkingDirectory: "/var/lib/premerge"}},
			build:    CommandMessageFormatter.BuildSuccessMessage,
			expected: "Object store in /var/lib/premerge is compact",
		},
		{
			name:    "count_objects_failure",
			command: ShellCommand{Name: CommandGit, Details: CommandDetails{Arguments: []string{"count-objects", "-v"}}},
			build: func(formatter CommandMessageFormatter, command ShellCommand) string {
				return formatter.BuildFailureMessage(command, ExecutionResult{ExitCode: 128, StandardError: "fatal: not a git repository\n"})
			},
			expected: "Failed to count objects in current directory (exit code 128: fatal: not a git repository)",
		},
		{
			name:    "prune_execution_failure",
			command: ShellCommand{Name: CommandGit, Details: CommandDetails{Arguments: []string{"prune"}, WorkingDirectory: "/srv/repo"}},
			build: func(formatter CommandMessageFormatter, command ShellCommand) string {
				return formatter.BuildExecutionFailureMessage(command, errors.New("executable file not found"))
			},
			expected: "Unable to prune unreachable objects in /srv/repo: executable file not found",
		},
		{
			name:     "generic_start",
			command:  ShellCommand{Name: CommandGit, Details: CommandDetails{Arguments: []string{"--version"}, WorkingDirectory: "."}},
			build:    CommandMessageFormatter.BuildStartedMessage,
			expected: "Running git --version (in .)",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			require.Equal(t, testCase.expected, testCase.build(CommandMessageFormatter{}, testCase.command))
		})
	}
}
