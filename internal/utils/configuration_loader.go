package utils

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	configurationKeySeparatorConstant        = "."
	environmentSeparatorConstant             = "_"
	environmentListSeparatorConstant         = ","
	embeddedLayerErrorTemplateConstant       = "unable to apply bundled configuration: %w"
	fileLayerErrorTemplateConstant           = "unable to read configuration file: %w"
	decodeConfigurationErrorTemplateConstant = "unable to decode configuration: %w"
	defaultConfigurationNameConstant         = "config"
	defaultConfigurationFormatConstant       = "yaml"
)

// ConfigurationLoaderOptions describes where configuration comes from. Layers apply
// in order: the bundled document, Defaults, the first file found, then environment
// variables named <EnvironmentPrefix>_<SECTION>_<KEY>.
type ConfigurationLoaderOptions struct {
	Name              string
	Format            string
	EnvironmentPrefix string
	SearchPaths       []string
	Bundled           []byte
	BundledFormat     string
}

// ConfigurationLoader resolves layered configuration with Viper and decodes it into typed structs.
type ConfigurationLoader struct {
	options ConfigurationLoaderOptions
	keys    *strings.Replacer
}

// LoadedConfiguration reports where the resolved values came from.
type LoadedConfiguration struct {
	// ConfigFileUsed is empty when no file was found.
	ConfigFileUsed string
	// EnvironmentOverrides lists dotted keys whose value came from the environment.
	EnvironmentOverrides []string
	// UnknownKeys lists dotted keys present in a layer but absent from the target struct.
	UnknownKeys []string
}

// NewConfigurationLoader copies options and fills the name and format defaults.
func NewConfigurationLoader(options ConfigurationLoaderOptions) *ConfigurationLoader {
	copied := options
	copied.SearchPaths = append([]string(nil), options.SearchPaths...)
	copied.Bundled = bytes.Clone(options.Bundled)
	if len(strings.TrimSpace(copied.Name)) == 0 {
		copied.Name = defaultConfigurationNameConstant
	}
	if len(strings.TrimSpace(copied.Format)) == 0 {
		copied.Format = defaultConfigurationFormatConstant
	}
	if len(strings.TrimSpace(copied.BundledFormat)) == 0 {
		copied.BundledFormat = copied.Format
	}
	return &ConfigurationLoader{
		options: copied,
		keys:    strings.NewReplacer(configurationKeySeparatorConstant, environmentSeparatorConstant),
	}
}

// Load resolves every layer into target. An explicit configurationFilePath replaces
// the search; a missing file found by search is not an error. Durations such as
// "30s" and comma separated environment lists decode into typed fields.
func (loader *ConfigurationLoader) Load(configurationFilePath string, defaults map[string]any, target any) (LoadedConfiguration, error) {
	resolver := viper.New()
	resolver.SetConfigName(loader.options.Name)

	if len(loader.options.Bundled) > 0 {
		resolver.SetConfigType(loader.options.BundledFormat)
		if mergeError := resolver.MergeConfig(bytes.NewReader(loader.options.Bundled)); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(embeddedLayerErrorTemplateConstant, mergeError)
		}
	}
	resolver.SetConfigType(loader.options.Format)

	for key, value := range defaults {
		resolver.SetDefault(key, value)
	}

	if len(configurationFilePath) > 0 {
		resolver.SetConfigFile(configurationFilePath)
	} else {
		for _, searchPath := range loader.options.SearchPaths {
			resolver.AddConfigPath(searchPath)
		}
	}
	if readError := resolver.MergeInConfig(); readError != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readError, &notFound) {
			return LoadedConfiguration{}, fmt.Errorf(fileLayerErrorTemplateConstant, readError)
		}
	}

	resolver.SetEnvPrefix(loader.options.EnvironmentPrefix)
	resolver.SetEnvKeyReplacer(loader.keys)
	resolver.AutomaticEnv()

	var metadata mapstructure.Metadata
	decodeError := resolver.Unmarshal(
		target,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(environmentListSeparatorConstant),
			mapstructure.TextUnmarshallerHookFunc(),
		)),
		func(decoderConfiguration *mapstructure.DecoderConfig) {
			decoderConfiguration.Metadata = &metadata
		},
	)
	if decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(decodeConfigurationErrorTemplateConstant, decodeError)
	}

	unknownKeys := append([]string(nil), metadata.Unused...)
	sort.Strings(unknownKeys)
	return LoadedConfiguration{
		ConfigFileUsed:       resolver.ConfigFileUsed(),
		EnvironmentOverrides: loader.environmentOverrides(resolver.AllKeys()),
		UnknownKeys:          unknownKeys,
	}, nil
}

// EnvironmentVariable returns the variable that overrides a dotted configuration key.
func (loader *ConfigurationLoader) EnvironmentVariable(key string) string {
	name := strings.ToUpper(loader.keys.Replace(key))
	if len(loader.options.EnvironmentPrefix) == 0 {
		return name
	}
	return strings.ToUpper(loader.options.EnvironmentPrefix) + environmentSeparatorConstant + name
}

func (loader *ConfigurationLoader) environmentOverrides(keys []string) []string {
	var overridden []string
	for _, key := range keys {
		if _, present := os.LookupEnv(loader.EnvironmentVariable(key)); present {
			overridden = append(overridden, key)
		}
	}
	sort.Strings(overridden)
	return overridden
}
