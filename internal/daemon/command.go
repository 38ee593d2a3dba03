package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/reconcile"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/utils"
)

const (
	watchCommandUseConstant                   = "watch"
	watchCommandShortDescriptionConstant      = "Continuously synthesize and publish merge commits for topic branches"
	watchCommandLongDescriptionConstant       = "watch polls the upstream repository, merges every matching topic branch into the target branch, and publishes clean merges under refs/<namespace>/. Conflicted branches are recorded and retried when either side moves."
	watchCommandExampleConstant               = "premerge watch --source https://example.com/project.git --topic 'refs/heads/feature/*' --once"
	statusCommandUseConstant                  = "status"
	statusCommandShortDescriptionConstant     = "List stored merge records"
	statusCommandLongDescriptionConstant      = "status prints the last known merge state of every tracked topic branch from the configured state store."
	synthesizeCommandUseConstant              = "synthesize <target-rev> <topic-rev>"
	synthesizeCommandShortDescriptionConstant = "Merge one topic revision into a target revision without publishing"
	synthesizeCommandLongDescriptionConstant  = "synthesize fetches the upstream repository, merges topic-rev into target-rev in memory, and prints the resulting merge commit or the conflicting paths. No reference is moved."
	synthesizeArgumentCountConstant           = 2
	flagOnceNameConstant                      = "once"
	flagOnceDescriptionConstant               = "Run a single poll and reconciliation cycle, then exit"
	flagSourceNameConstant                    = "source"
	flagSourceDescriptionConstant             = "Upstream repository URL or path"
	flagCheckoutNameConstant                  = "checkout"
	flagCheckoutDescriptionConstant           = "Bare repository path used as the local object store (empty keeps objects in memory)"
	flagTargetNameConstant                    = "target"
	flagTargetDescriptionConstant             = "Target branch (defaults to the remote HEAD)"
	flagTopicNameConstant                     = "topic"
	flagTopicDescriptionConstant              = "Topic branch glob pattern (repeatable)"
	flagTopicReferenceNameConstant            = "topic-ref"
	flagTopicReferenceDescriptionConstant     = "Exact topic branch reference (repeatable)"
	flagNamespaceNameConstant                 = "namespace"
	flagNamespaceDescriptionConstant          = "Namespace for published merge references"
	flagPushNameConstant                      = "push"
	flagPushDescriptionConstant               = "Push published merge references to the upstream repository"
	flagPollIntervalNameConstant              = "poll-interval"
	flagPollIntervalDescriptionConstant       = "Interval between upstream polls"
	flagConcurrencyNameConstant               = "concurrency"
	flagConcurrencyDescriptionConstant        = "Maximum number of merges synthesized in parallel"
	flagStatePathNameConstant                 = "state-path"
	flagStatePathDescriptionConstant          = "SQLite database holding merge records (selects the sqlite driver)"
	flagStateDriverNameConstant               = "state-driver"
	flagStateDriverDescriptionConstant        = "Merge record store: memory, sqlite, or refs"
	watchExecutionErrorTemplateConstant       = "watch failed: %w"
	statusExecutionErrorTemplateConstant      = "status failed: %w"
	synthesizeExecutionErrorTemplateConstant  = "synthesis failed: %w"
	closeServiceFailedMessageConstant         = "unable to close merge daemon"
	unexpectedArgumentsMessageConstant        = "command does not accept positional arguments"
	revisionRequiredMessageConstant           = "target and topic revisions are required"
	defaultSynthesisTopicPatternConstant      = "refs/heads/*"
	recordsListedMessageConstant              = "merge records listed"
	logFieldRecordCountConstant               = "record_count"
	watchStartingMessageConstant              = "watch starting"
	logFieldConfigurationFileConstant         = "config_file"
	logFieldLogFileConstant                   = "log_file"
)

var (
	errUnexpectedArguments = errors.New(unexpectedArgumentsMessageConstant)
	errRevisionRequired    = errors.New(revisionRequiredMessageConstant)
)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// ConfigurationProvider supplies the loaded daemon configuration.
type ConfigurationProvider func() Configuration

type commandSupport struct {
	loggerProvider        LoggerProvider
	configurationProvider ConfigurationProvider
}

// WatchCommandBuilder assembles the watch command.
type WatchCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
	Dependencies          Dependencies
}

// Build constructs the watch command.
func (builder *WatchCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:     watchCommandUseConstant,
		Short:   watchCommandShortDescriptionConstant,
		Long:    watchCommandLongDescriptionConstant,
		Example: watchCommandExampleConstant,
		RunE:    builder.run,
	}

	flagSet := command.Flags()
	flagSet.Bool(flagOnceNameConstant, false, flagOnceDescriptionConstant)
	registerOverrideFlags(flagSet)

	return command, nil
}

func (builder *WatchCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	support := commandSupport{loggerProvider: builder.LoggerProvider, configurationProvider: builder.ConfigurationProvider}
	configuration := applyOverrides(command.Flags(), support.resolveConfiguration())
	logger := support.resolveLogger()
	outputWriter := utils.NewFlushingWriter(command.OutOrStdout())

	dependencies := builder.Dependencies
	dependencies.Logger = logger
	dependencies.OutcomeHandler = printingOutcomeHandler(outputWriter, builder.Dependencies.OutcomeHandler)

	service, serviceError := NewService(configuration, dependencies)
	if serviceError != nil {
		return serviceError
	}
	defer closeService(service, logger)

	once, _ := command.Flags().GetBool(flagOnceNameConstant)
	metadata, _ := utils.NewCommandContextAccessor().Metadata(commandContext(command))
	logger.Debug(
		watchStartingMessageConstant,
		zap.Bool(flagOnceNameConstant, once),
		zap.String(logFieldConfigurationFileConstant, metadata.ConfigurationFile),
		zap.String(logFieldLogFileConstant, metadata.LogFile),
	)
	if once {
		summary, cycleError := service.RunOnce(commandContext(command))
		if cycleError != nil {
			return fmt.Errorf(watchExecutionErrorTemplateConstant, cycleError)
		}
		_, printError := fmt.Fprintln(outputWriter, FormatCycleSummary(summary))
		return printError
	}

	runError := service.Run(commandContext(command))
	if runError != nil && !errors.Is(runError, context.Canceled) {
		return fmt.Errorf(watchExecutionErrorTemplateConstant, runError)
	}
	return nil
}

// StatusCommandBuilder assembles the status command.
type StatusCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
}

// Build constructs the status command.
func (builder *StatusCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   statusCommandUseConstant,
		Short: statusCommandShortDescriptionConstant,
		Long:  statusCommandLongDescriptionConstant,
		RunE:  builder.run,
	}
	command.Flags().String(flagStatePathNameConstant, "", flagStatePathDescriptionConstant)
	command.Flags().String(flagStateDriverNameConstant, "", flagStateDriverDescriptionConstant)
	return command, nil
}

func (builder *StatusCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errUnexpectedArguments
	}

	support := commandSupport{loggerProvider: builder.LoggerProvider, configurationProvider: builder.ConfigurationProvider}
	configuration := applyOverrides(command.Flags(), support.resolveConfiguration())
	records, recordsError := ReadRecords(commandContext(command), configuration)
	if recordsError != nil {
		return fmt.Errorf(statusExecutionErrorTemplateConstant, recordsError)
	}
	support.resolveLogger().Debug(recordsListedMessageConstant, zap.Int(logFieldRecordCountConstant, len(records)))
	return WriteRecords(command.OutOrStdout(), records)
}

// SynthesizeCommandBuilder assembles the synthesize command.
type SynthesizeCommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider ConfigurationProvider
}

// Build constructs the synthesize command.
func (builder *SynthesizeCommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:   synthesizeCommandUseConstant,
		Short: synthesizeCommandShortDescriptionConstant,
		Long:  synthesizeCommandLongDescriptionConstant,
		Args:  cobra.ExactArgs(synthesizeArgumentCountConstant),
		RunE:  builder.run,
	}
	command.Flags().String(flagSourceNameConstant, "", flagSourceDescriptionConstant)
	return command, nil
}

func (builder *SynthesizeCommandBuilder) run(command *cobra.Command, arguments []string) error {
	if len(arguments) != synthesizeArgumentCountConstant {
		return errRevisionRequired
	}
	targetRevision := strings.TrimSpace(arguments[0])
	topicRevision := strings.TrimSpace(arguments[1])
	if len(targetRevision) == 0 || len(topicRevision) == 0 {
		return errRevisionRequired
	}

	support := commandSupport{loggerProvider: builder.LoggerProvider, configurationProvider: builder.ConfigurationProvider}
	configuration := applyOverrides(command.Flags(), support.resolveConfiguration())
	// The watcher stays idle during ad-hoc synthesis; any pattern satisfies validation.
	if len(configuration.TopicPatterns) == 0 && len(configuration.TopicReferences) == 0 {
		configuration.TopicPatterns = []string{defaultSynthesisTopicPatternConstant}
	}
	logger := support.resolveLogger()

	service, serviceError := NewService(configuration, Dependencies{Logger: logger})
	if serviceError != nil {
		return serviceError
	}
	defer closeService(service, logger)

	result, synthesisError := service.Synthesize(commandContext(command), targetRevision, topicRevision)
	if synthesisError != nil {
		return fmt.Errorf(synthesizeExecutionErrorTemplateConstant, synthesisError)
	}
	return WriteResult(command.OutOrStdout(), result)
}

func registerOverrideFlags(flagSet *pflag.FlagSet) {
	flagSet.String(flagSourceNameConstant, "", flagSourceDescriptionConstant)
	flagSet.String(flagCheckoutNameConstant, "", flagCheckoutDescriptionConstant)
	flagSet.String(flagTargetNameConstant, "", flagTargetDescriptionConstant)
	flagSet.StringArray(flagTopicNameConstant, nil, flagTopicDescriptionConstant)
	flagSet.StringArray(flagTopicReferenceNameConstant, nil, flagTopicReferenceDescriptionConstant)
	flagSet.String(flagNamespaceNameConstant, "", flagNamespaceDescriptionConstant)
	flagSet.Bool(flagPushNameConstant, false, flagPushDescriptionConstant)
	flagSet.Duration(flagPollIntervalNameConstant, 0, flagPollIntervalDescriptionConstant)
	flagSet.Int(flagConcurrencyNameConstant, 0, flagConcurrencyDescriptionConstant)
	flagSet.String(flagStatePathNameConstant, "", flagStatePathDescriptionConstant)
	flagSet.String(flagStateDriverNameConstant, "", flagStateDriverDescriptionConstant)
}

// applyOverrides replaces configuration values with flags the user set explicitly.
func applyOverrides(flagSet *pflag.FlagSet, configuration Configuration) Configuration {
	overridden := configuration
	flagSet.Visit(func(changed *pflag.Flag) {
		switch changed.Name {
		case flagSourceNameConstant:
			overridden.Source, _ = flagSet.GetString(changed.Name)
		case flagCheckoutNameConstant:
			overridden.CheckoutPath, _ = flagSet.GetString(changed.Name)
		case flagTargetNameConstant:
			overridden.TargetReference, _ = flagSet.GetString(changed.Name)
		case flagTopicNameConstant:
			overridden.TopicPatterns, _ = flagSet.GetStringArray(changed.Name)
		case flagTopicReferenceNameConstant:
			overridden.TopicReferences, _ = flagSet.GetStringArray(changed.Name)
		case flagNamespaceNameConstant:
			overridden.OutputNamespace, _ = flagSet.GetString(changed.Name)
		case flagPushNameConstant:
			overridden.PushEnabled, _ = flagSet.GetBool(changed.Name)
		case flagPollIntervalNameConstant:
			overridden.PollInterval, _ = flagSet.GetDuration(changed.Name)
		case flagConcurrencyNameConstant:
			overridden.WorkerConcurrency, _ = flagSet.GetInt(changed.Name)
		case flagStatePathNameConstant:
			overridden.State.Path, _ = flagSet.GetString(changed.Name)
			if !flagSet.Changed(flagStateDriverNameConstant) {
				overridden.State.Driver = string(state.DriverSQLite)
			}
		case flagStateDriverNameConstant:
			overridden.State.Driver, _ = flagSet.GetString(changed.Name)
		}
	})
	return overridden
}

func printingOutcomeHandler(writer io.Writer, next reconcile.OutcomeHandler) reconcile.OutcomeHandler {
	var outputMutex sync.Mutex
	return func(outcome reconcile.Outcome) {
		outputMutex.Lock()
		_, _ = fmt.Fprintln(writer, FormatOutcome(outcome))
		outputMutex.Unlock()
		if next != nil {
			next(outcome)
		}
	}
}

func (support commandSupport) resolveConfiguration() Configuration {
	if support.configurationProvider == nil {
		return DefaultConfiguration()
	}
	return support.configurationProvider()
}

func (support commandSupport) resolveLogger() *zap.Logger {
	if support.loggerProvider == nil {
		return zap.NewNop()
	}
	logger := support.loggerProvider()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func commandContext(command *cobra.Command) context.Context {
	if command.Context() == nil {
		return context.Background()
	}
	return command.Context()
}

func closeService(service *Service, logger *zap.Logger) {
	if closeError := service.Close(); closeError != nil {
		logger.Warn(closeServiceFailedMessageConstant, zap.Error(closeError))
	}
}
