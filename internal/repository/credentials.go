package repository

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

const (
	redactedSecretConstant             = "********"
	sshProtocolConstant                = "ssh"
	httpProtocolConstant               = "http"
	httpsProtocolConstant              = "https"
	defaultSSHUserConstant             = "git"
	endpointParseErrorTemplateConstant = "invalid source %q: %w"
	sshKeyLoadErrorTemplateConstant    = "unable to load ssh key %s: %w"
)

// Secret holds a credential value that never appears in logs or formatted output.
type Secret string

// String returns a redacted placeholder.
func (secret Secret) String() string {
	if len(secret) == 0 {
		return ""
	}
	return redactedSecretConstant
}

// GoString keeps %#v output redacted as well.
func (secret Secret) GoString() string {
	return secret.String()
}

// Reveal returns the raw credential value.
func (secret Secret) Reveal() string {
	return string(secret)
}

// Credentials describes how to authenticate against the upstream remote.
type Credentials struct {
	Username         string
	Password         Secret
	SSHKeyPath       string
	SSHKeyPassphrase Secret
}

// authenticationMethod picks a go-git auth method matching the source URL scheme.
// A nil method lets go-git fall back to its defaults (ssh-agent for ssh, anonymous otherwise).
func authenticationMethod(source string, credentials Credentials) (transport.AuthMethod, error) {
	endpoint, endpointError := transport.NewEndpoint(source)
	if endpointError != nil {
		return nil, fmt.Errorf(endpointParseErrorTemplateConstant, source, endpointError)
	}

	switch endpoint.Protocol {
	case sshProtocolConstant:
		keyPath := strings.TrimSpace(credentials.SSHKeyPath)
		if len(keyPath) == 0 {
			return nil, nil
		}
		user := endpoint.User
		if len(credentials.Username) > 0 {
			user = credentials.Username
		}
		if len(user) == 0 {
			user = defaultSSHUserConstant
		}
		publicKeys, keyError := gitssh.NewPublicKeysFromFile(user, keyPath, credentials.SSHKeyPassphrase.Reveal())
		if keyError != nil {
			return nil, fmt.Errorf(sshKeyLoadErrorTemplateConstant, keyPath, keyError)
		}
		return publicKeys, nil
	case httpProtocolConstant, httpsProtocolConstant:
		if len(credentials.Username) == 0 && len(credentials.Password) == 0 {
			return nil, nil
		}
		return &githttp.BasicAuth{Username: credentials.Username, Password: credentials.Password.Reveal()}, nil
	default:
		return nil, nil
	}
}
