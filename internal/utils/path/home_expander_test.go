package pathutils_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	pathutils "github.com/temirov/premerge/internal/utils/path"
)

const testHomeDirectoryConstant = "/home/merger"

func TestHomeExpanderExpand(testInstance *testing.T) {
	expander := pathutils.NewHomeExpanderWithProvider(func() (string, error) {
		return testHomeDirectoryConstant, nil
	})

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "bare_tilde", input: "~", expected: testHomeDirectoryConstant},
		{name: "home_relative", input: "~/mirrors/project.git", expected: filepath.Join(testHomeDirectoryConstant, "mirrors/project.git")},
		{name: "absolute", input: "/srv/project.git", expected: "/srv/project.git"},
		{name: "url", input: "https://example.com/project.git", expected: "https://example.com/project.git"},
		{name: "other_user", input: "~other/project.git", expected: "~other/project.git"},
		{name: "empty", input: "", expected: ""},
	}

	for _, testCase := range testCases {
		testInstance.Run(testCase.name, func(testInstance *testing.T) {
			require.Equal(testInstance, testCase.expected, expander.Expand(testCase.input))
		})
	}
}

func TestHomeExpanderKeepsTildeWhenHomeUnavailable(testInstance *testing.T) {
	expander := pathutils.NewHomeExpanderWithProvider(func() (string, error) {
		return "", errors.New("no home")
	})
	require.Equal(testInstance, "~/state.db", expander.Expand("~/state.db"))
}

func TestHomeExpanderResolveLocalPath(testInstance *testing.T) {
	expander := pathutils.NewHomeExpanderWithProvider(func() (string, error) {
		return testHomeDirectoryConstant, nil
	})

	require.Equal(testInstance, "", expander.ResolveLocalPath("  "))
	require.Equal(testInstance, filepath.Join(testHomeDirectoryConstant, "state.db"), expander.ResolveLocalPath(" ~/state.db "))

	resolved := expander.ResolveLocalPath("checkout.git")
	require.True(testInstance, filepath.IsAbs(resolved))
	require.Equal(testInstance, "checkout.git", filepath.Base(resolved))
}
