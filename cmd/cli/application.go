package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/daemon"
	"github.com/temirov/premerge/internal/utils"
)

const (
	applicationNameConstant                 = "premerge"
	applicationShortDescriptionConstant     = "Synthesize and publish speculative merge commits for topic branches"
	applicationLongDescriptionConstant      = "premerge watches an upstream repository, merges every topic branch into the target branch without a working tree, and publishes the clean results as references that CI can build."
	configFileFlagNameConstant              = "config"
	configFileFlagUsageConstant             = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant                = "log-level"
	logLevelFlagUsageConstant               = "Override the configured log level."
	logFormatFlagNameConstant               = "log-format"
	logFormatFlagUsageConstant              = "Override the configured log format (structured or console)."
	logFileFlagNameConstant                 = "log-file"
	logFileFlagUsageConstant                = "Also write JSON logs to this rotating file."
	commonConfigurationKeyConstant          = "common"
	commonLogLevelConfigKeyConstant         = commonConfigurationKeyConstant + ".log_level"
	commonLogFormatConfigKeyConstant        = commonConfigurationKeyConstant + ".log_format"
	commonLogFileConfigKeyConstant          = commonConfigurationKeyConstant + ".log_file"
	mergerConfigurationKeyConstant          = "merger"
	environmentPrefixConstant               = "PREMERGE"
	configurationNameConstant               = "config"
	configurationTypeConstant               = "yaml"
	configurationInitializedMessageConstant = "configuration initialized"
	configurationLogLevelFieldConstant      = "log_level"
	configurationLogFormatFieldConstant     = "log_format"
	configurationLogFileFieldConstant       = "log_file"
	configurationFileFieldConstant          = "config_file"
	configurationEnvironmentFieldConstant   = "environment_overrides"
	configurationUnknownKeysFieldConstant   = "unknown_keys"
	unknownConfigurationKeysMessageConstant = "configuration contains unrecognized keys"
	configurationLoadErrorTemplateConstant  = "unable to load configuration: %w"
	loggerCreationErrorTemplateConstant     = "unable to create logger: %w"
	loggerSyncErrorTemplateConstant         = "unable to flush logger: %w"
	rootCommandInfoMessageConstant          = "premerge CLI executed"
	rootCommandDebugMessageConstant         = "premerge CLI diagnostics"
	logFieldCommandNameConstant             = "command_name"
	logFieldArgumentCountConstant           = "argument_count"
	logFieldArgumentsConstant               = "arguments"
	loggerNotInitializedMessageConstant     = "logger not initialized"
	defaultConfigurationSearchPathConstant  = "."
	userConfigurationDirectoryNameConstant  = "premerge"
)

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common ApplicationCommonConfiguration `mapstructure:"common"`
	Merger daemon.Configuration           `mapstructure:"merger"`
}

// ApplicationCommonConfiguration stores logging configuration shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

// Application wires the Cobra root command, configuration loader, and structured logger.
type Application struct {
	rootCommand            *cobra.Command
	configurationLoader    *utils.ConfigurationLoader
	loggerFactory          *utils.LoggerFactory
	logger                 *zap.Logger
	configuration          ApplicationConfiguration
	configurationMetadata  utils.LoadedConfiguration
	configurationFilePath  string
	logLevelFlagValue      string
	logFormatFlagValue     string
	logFileFlagValue       string
	commandContextAccessor utils.CommandContextAccessor
}

// NewApplication assembles a fully wired CLI application instance.
func NewApplication() *Application {
	bundledConfiguration, bundledFormat := EmbeddedDefaultConfiguration()
	configurationLoader := utils.NewConfigurationLoader(utils.ConfigurationLoaderOptions{
		Name:              configurationNameConstant,
		Format:            configurationTypeConstant,
		EnvironmentPrefix: environmentPrefixConstant,
		SearchPaths:       configurationSearchPaths(),
		Bundled:           bundledConfiguration,
		BundledFormat:     bundledFormat,
	})

	application := &Application{
		configurationLoader:    configurationLoader,
		loggerFactory:          utils.NewLoggerFactory(),
		logger:                 zap.NewNop(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
	}

	cobraCommand := &cobra.Command{
		Use:           applicationNameConstant,
		Short:         applicationShortDescriptionConstant,
		Long:          applicationLongDescriptionConstant,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return application.initializeConfiguration(command)
		},
		RunE: func(command *cobra.Command, arguments []string) error {
			return application.runRootCommand(command, arguments)
		},
	}

	cobraCommand.SetContext(context.Background())
	cobraCommand.PersistentFlags().StringVar(&application.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logLevelFlagValue, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logFormatFlagValue, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)
	cobraCommand.PersistentFlags().StringVar(&application.logFileFlagValue, logFileFlagNameConstant, "", logFileFlagUsageConstant)

	loggerProvider := func() *zap.Logger {
		return application.logger
	}
	configurationProvider := func() daemon.Configuration {
		return application.configuration.Merger
	}

	watchBuilder := daemon.WatchCommandBuilder{
		LoggerProvider:        loggerProvider,
		ConfigurationProvider: configurationProvider,
	}
	watchCommand, watchBuildError := watchBuilder.Build()
	if watchBuildError == nil {
		cobraCommand.AddCommand(watchCommand)
	}

	statusBuilder := daemon.StatusCommandBuilder{
		LoggerProvider:        loggerProvider,
		ConfigurationProvider: configurationProvider,
	}
	statusCommand, statusBuildError := statusBuilder.Build()
	if statusBuildError == nil {
		cobraCommand.AddCommand(statusCommand)
	}

	synthesizeBuilder := daemon.SynthesizeCommandBuilder{
		LoggerProvider:        loggerProvider,
		ConfigurationProvider: configurationProvider,
	}
	synthesizeCommand, synthesizeBuildError := synthesizeBuilder.Build()
	if synthesizeBuildError == nil {
		cobraCommand.AddCommand(synthesizeCommand)
	}

	application.rootCommand = cobraCommand

	return application
}

// Execute runs the configured Cobra command hierarchy until it finishes or the process is interrupted, then flushes the logger.
func (application *Application) Execute() error {
	signalContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executionError := application.rootCommand.ExecuteContext(signalContext)
	if syncError := application.flushLogger(); syncError != nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// Execute builds a fresh application instance and executes the root command hierarchy.
func Execute() error {
	return NewApplication().Execute()
}

func (application *Application) initializeConfiguration(command *cobra.Command) error {
	defaultValues := map[string]any{
		commonLogLevelConfigKeyConstant:  string(utils.LogLevelInfo),
		commonLogFormatConfigKeyConstant: string(utils.LogFormatStructured),
		commonLogFileConfigKeyConstant:   "",
	}
	for configurationKey, configurationValue := range daemon.DefaultConfigurationValues(mergerConfigurationKeyConstant) {
		defaultValues[configurationKey] = configurationValue
	}

	loadedConfiguration, loadError := application.configurationLoader.Load(application.configurationFilePath, defaultValues, &application.configuration)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}

	application.configurationMetadata = loadedConfiguration

	if application.persistentFlagChanged(command, logLevelFlagNameConstant) {
		application.configuration.Common.LogLevel = application.logLevelFlagValue
	}

	if application.persistentFlagChanged(command, logFormatFlagNameConstant) {
		application.configuration.Common.LogFormat = application.logFormatFlagValue
	}

	if application.persistentFlagChanged(command, logFileFlagNameConstant) {
		application.configuration.Common.LogFile = application.logFileFlagValue
	}

	logger, loggerCreationError := application.loggerFactory.CreateLoggerWithFile(
		utils.LogLevel(application.configuration.Common.LogLevel),
		utils.LogFormat(application.configuration.Common.LogFormat),
		utils.LogFileOptions{Path: application.configuration.Common.LogFile},
	)
	if loggerCreationError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerCreationError)
	}

	application.logger = logger

	application.logger.Info(
		configurationInitializedMessageConstant,
		zap.String(configurationLogLevelFieldConstant, application.configuration.Common.LogLevel),
		zap.String(configurationLogFormatFieldConstant, application.configuration.Common.LogFormat),
		zap.String(configurationLogFileFieldConstant, application.configuration.Common.LogFile),
		zap.String(configurationFileFieldConstant, application.configurationMetadata.ConfigFileUsed),
		zap.Strings(configurationEnvironmentFieldConstant, application.configurationMetadata.EnvironmentOverrides),
	)
	if len(application.configurationMetadata.UnknownKeys) > 0 {
		application.logger.Warn(unknownConfigurationKeysMessageConstant, zap.Strings(configurationUnknownKeysFieldConstant, application.configurationMetadata.UnknownKeys))
	}

	if command != nil {
		updatedContext := application.commandContextAccessor.WithMetadata(
			command.Context(),
			utils.CommandMetadata{
				ConfigurationFile: application.configurationMetadata.ConfigFileUsed,
				LogFile:           application.configuration.Common.LogFile,
			},
		)
		command.SetContext(updatedContext)
	}

	return nil
}

func (application *Application) runRootCommand(command *cobra.Command, arguments []string) error {
	if application.logger == nil {
		return errors.New(loggerNotInitializedMessageConstant)
	}

	application.logger.Info(
		rootCommandInfoMessageConstant,
		zap.String(logFieldCommandNameConstant, command.Name()),
		zap.Int(logFieldArgumentCountConstant, len(arguments)),
	)

	application.logger.Debug(
		rootCommandDebugMessageConstant,
		zap.Strings(logFieldArgumentsConstant, arguments),
	)

	if len(arguments) == 0 {
		return command.Help()
	}

	return nil
}

func (application *Application) flushLogger() error {
	if syncError := application.syncLoggerInstance(application.logger); syncError != nil {
		return syncError
	}
	return nil
}

func (application *Application) syncLoggerInstance(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}

	syncError := logger.Sync()
	switch {
	case syncError == nil:
		return nil
	case errors.Is(syncError, syscall.ENOTSUP):
		return nil
	case errors.Is(syncError, syscall.EINVAL):
		return nil
	default:
		return syncError
	}
}

func (application *Application) persistentFlagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}

	flagSetsToInspect := []*pflag.FlagSet{
		command.PersistentFlags(),
		command.InheritedFlags(),
	}

	rootCommand := command.Root()
	if rootCommand != nil {
		flagSetsToInspect = append(flagSetsToInspect, rootCommand.PersistentFlags())
	}

	for _, flagSet := range flagSetsToInspect {
		if flagSet == nil {
			continue
		}

		if flagSet.Changed(flagName) {
			return true
		}
	}

	return false
}

func configurationSearchPaths() []string {
	searchPaths := []string{defaultConfigurationSearchPathConstant}
	if userConfigurationDirectory, directoryError := os.UserConfigDir(); directoryError == nil {
		searchPaths = append(searchPaths, userConfigurationDirectory+string(os.PathSeparator)+userConfigurationDirectoryNameConstant)
	}
	return searchPaths
}
