package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/temirov/premerge/internal/repository/repositorytest"
)

const (
	testWatchConfigurationTemplateConstant = "common:\n  log_level: error\nmerger:\n  source: %s\n  target_ref: refs/heads/main\n  topic_patterns:\n    - refs/heads/topic/*\n  push_enabled: true\n  state:\n    driver: sqlite\n    path: %s\n"
	testTopicReferenceConstant             = "refs/heads/topic/parser"
	testPublishedReferenceConstant         = plumbing.ReferenceName("refs/premerge/topic/parser")
)

func executeApplication(t *testing.T, application *Application, arguments ...string) (string, error) {
	t.Helper()
	var output bytes.Buffer
	application.rootCommand.SetOut(&output)
	application.rootCommand.SetErr(&output)
	application.rootCommand.SetArgs(arguments)
	executionError := application.Execute()
	return output.String(), executionError
}

func TestApplicationRegistersMergeCommands(t *testing.T) {
	application := isolatedApplication(t)

	registered := map[string]bool{}
	for _, command := range application.rootCommand.Commands() {
		registered[command.Name()] = true
	}
	require.True(t, registered["watch"])
	require.True(t, registered["status"])
	require.True(t, registered["synthesize"])
}

func TestApplicationWatchThenStatus(t *testing.T) {
	upstream := repositorytest.NewUpstream(t)
	baseCommit := upstream.Commit(repositorytest.Files{"go.mod": "module example\n"})
	mainCommit := upstream.Commit(repositorytest.Files{"go.mod": "module example\n", "main.go": "package main\n"}, baseCommit)
	topicCommit := upstream.Commit(repositorytest.Files{"go.mod": "module example\n", "parser.go": "package main\n"}, baseCommit)
	upstream.SetBranch("refs/heads/main", mainCommit)
	upstream.SetBranch(testTopicReferenceConstant, topicCommit)

	workingDirectory := t.TempDir()
	configurationPath := filepath.Join(workingDirectory, testConfigurationFileNameConstant)
	statePath := filepath.Join(workingDirectory, "state.db")
	configurationContent := fmt.Sprintf(testWatchConfigurationTemplateConstant, upstream.Path, statePath)
	require.NoError(t, os.WriteFile(configurationPath, []byte(configurationContent), 0o600))

	watchOutput, watchError := executeApplication(t, isolatedApplication(t), "--config", configurationPath, "watch", "--once")
	require.NoError(t, watchError)
	require.Contains(t, watchOutput, "CLEAN: "+testTopicReferenceConstant+" -> ")
	require.Contains(t, watchOutput, "1 clean, 0 conflicted, 0 failed")

	published, readError := upstream.Repository.ReadReference(context.Background(), testPublishedReferenceConstant)
	require.NoError(t, readError)
	require.False(t, published.IsZero())

	statusOutput, statusError := executeApplication(t, isolatedApplication(t), "--config", configurationPath, "status")
	require.NoError(t, statusError)
	require.Contains(t, statusOutput, testTopicReferenceConstant+"\tclean\t")
	require.Contains(t, statusOutput, "merge="+published.String()[:12])
}

func TestApplicationSurfacesConfigurationErrors(t *testing.T) {
	configurationPath := filepath.Join(t.TempDir(), testConfigurationFileNameConstant)
	require.NoError(t, os.WriteFile(configurationPath, []byte("common:\n  log_level: error\n"), 0o600))

	_, executionError := executeApplication(t, isolatedApplication(t), "--config", configurationPath, "watch", "--once")
	require.ErrorContains(t, executionError, "invalid configuration source")
}
