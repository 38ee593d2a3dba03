// Package githubauth resolves access tokens for HTTPS remotes from the process environment.
package githubauth

import (
	"os"
	"strings"
)

// Environment variable names consulted for an access token, most specific first.
const (
	EnvPremergeToken  = "PREMERGE_GIT_TOKEN"
	EnvGitHubCLIToken = "GH_TOKEN"
	EnvGitHubToken    = "GITHUB_TOKEN"
)

const (
	// TokenUsername is the basic-auth user paired with a bare token.
	TokenUsername             = "x-access-token"
	httpsSchemePrefixConstant = "https://"
)

var tokenPreference = []string{
	EnvPremergeToken,
	EnvGitHubCLIToken,
	EnvGitHubToken,
}

// EnvironmentLookup reads one environment variable.
type EnvironmentLookup func(key string) (string, bool)

// ResolveToken returns the first non-blank token found through lookup, which defaults to os.LookupEnv.
func ResolveToken(lookup EnvironmentLookup) (string, bool) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range tokenPreference {
		value, exists := lookup(key)
		if !exists {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) > 0 {
			return value, true
		}
	}
	return "", false
}

// HTTPSCredentials supplies token credentials for an https source when none were configured explicitly.
// Sources over other transports never pick up a token.
func HTTPSCredentials(source string, username string, password string, lookup EnvironmentLookup) (string, string) {
	if len(password) > 0 || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(source)), httpsSchemePrefixConstant) {
		return username, password
	}
	token, found := ResolveToken(lookup)
	if !found {
		return username, password
	}
	if len(username) == 0 {
		username = TokenUsername
	}
	return username, token
}
