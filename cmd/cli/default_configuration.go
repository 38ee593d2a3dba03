package cli

import (
	"bytes"
	_ "embed"
)

//go:embed default_config.yaml
var defaultConfigurationDocument []byte

// EmbeddedDefaultConfiguration returns a private copy of the bundled default configuration and its format.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	return bytes.Clone(defaultConfigurationDocument), configurationTypeConstant
}
