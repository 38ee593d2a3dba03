package utils

import "context"

type commandContextKey struct{}

// CommandMetadata records how the running command was configured.
type CommandMetadata struct {
	ConfigurationFile string
	LogFile           string
}

// CommandContextAccessor stores CommandMetadata in command execution contexts.
type CommandContextAccessor struct{}

// NewCommandContextAccessor constructs a CommandContextAccessor instance.
func NewCommandContextAccessor() CommandContextAccessor {
	return CommandContextAccessor{}
}

// WithMetadata attaches metadata to the provided context.
func (accessor CommandContextAccessor) WithMetadata(parentContext context.Context, metadata CommandMetadata) context.Context {
	if parentContext == nil {
		parentContext = context.Background()
	}
	return context.WithValue(parentContext, commandContextKey{}, metadata)
}

// Metadata extracts the metadata attached by WithMetadata.
func (accessor CommandContextAccessor) Metadata(executionContext context.Context) (CommandMetadata, bool) {
	if executionContext == nil {
		return CommandMetadata{}, false
	}
	metadata, available := executionContext.Value(commandContextKey{}).(CommandMetadata)
	return metadata, available
}
