package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/temirov/premerge/internal/publish"
	"github.com/temirov/premerge/internal/retry"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
	pathutils "github.com/temirov/premerge/internal/utils/path"
	"github.com/temirov/premerge/internal/watcher"
)

const (
	sourceKeyConstant                       = "source"
	checkoutPathKeyConstant                 = "checkout_path"
	remoteNameKeyConstant                   = "remote_name"
	topicPatternsKeyConstant                = "topic_patterns"
	topicReferencesKeyConstant              = "topic_refs"
	targetReferenceKeyConstant              = "target_ref"
	outputNamespaceKeyConstant              = "output_namespace"
	pollIntervalKeyConstant                 = "poll_interval"
	pushEnabledKeyConstant                  = "push_enabled"
	workerConcurrencyKeyConstant            = "worker_concurrency"
	operationTimeoutKeyConstant             = "operation_timeout"
	retryBackoffKeyConstant                 = "retry_backoff"
	retryBaseKeyConstant                    = "base"
	retryMaxKeyConstant                     = "max"
	retryMaxAttemptsKeyConstant             = "max_attempts"
	stateKeyConstant                        = "state"
	stateDriverKeyConstant                  = "driver"
	statePathKeyConstant                    = "path"
	signatureKeyConstant                    = "signature"
	signatureNameKeyConstant                = "name"
	signatureEmailKeyConstant               = "email"
	maintenanceKeyConstant                  = "maintenance"
	maintenanceEnabledKeyConstant           = "enabled"
	maintenanceIntervalKeyConstant          = "interval"
	keySeparatorConstant                    = "."
	defaultRemoteNameConstant               = "origin"
	defaultOutputNamespaceConstant          = "premerge"
	defaultPollIntervalConstant             = 30 * time.Second
	defaultWorkerConcurrencyConstant        = 4
	defaultOperationTimeoutConstant         = 2 * time.Minute
	defaultMaintenanceIntervalConstant      = time.Hour
	configurationErrorTemplateConstant      = "invalid configuration %s: %s"
	requiredReasonConstant                  = "must be provided"
	positiveDurationReasonConstant          = "must be a positive duration"
	positiveIntegerReasonConstant           = "must be a positive integer"
	nonNegativeIntegerReasonConstant        = "must not be negative"
	topicsRequiredReasonConstant            = "at least one topic pattern or topic reference is required"
	backoffOrderReasonConstant              = "must not be smaller than retry_backoff.base"
	sqlitePathReasonConstant                = "must be provided for the sqlite driver"
	referencesCheckoutReasonConstant        = "the refs driver requires checkout_path"
	maintenanceCheckoutReasonConstant       = "requires checkout_path"
	unsupportedDriverReasonTemplateConstant = "unsupported driver %q"
)

// ConfigurationError reports an invalid configuration value detected before reconciliation starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (configurationError *ConfigurationError) Error() string {
	return fmt.Sprintf(configurationErrorTemplateConstant, configurationError.Field, configurationError.Reason)
}

// Configuration captures every setting of the merge daemon.
type Configuration struct {
	Source            string                   `mapstructure:"source"`
	CheckoutPath      string                   `mapstructure:"checkout_path"`
	RemoteName        string                   `mapstructure:"remote_name"`
	TopicPatterns     []string                 `mapstructure:"topic_patterns"`
	TopicReferences   []string                 `mapstructure:"topic_refs"`
	TargetReference   string                   `mapstructure:"target_ref"`
	OutputNamespace   string                   `mapstructure:"output_namespace"`
	PollInterval      time.Duration            `mapstructure:"poll_interval"`
	PushEnabled       bool                     `mapstructure:"push_enabled"`
	WorkerConcurrency int                      `mapstructure:"worker_concurrency"`
	OperationTimeout  time.Duration            `mapstructure:"operation_timeout"`
	RetryBackoff      RetryConfiguration       `mapstructure:"retry_backoff"`
	State             StateConfiguration       `mapstructure:"state"`
	Signature         SignatureConfiguration   `mapstructure:"signature"`
	Credentials       CredentialsConfiguration `mapstructure:"credentials"`
	Maintenance       MaintenanceConfiguration `mapstructure:"maintenance"`
}

// RetryConfiguration shapes the exponential backoff applied to transient failures.
type RetryConfiguration struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// StateConfiguration selects the merge record store.
type StateConfiguration struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// SignatureConfiguration names the author and committer of synthesized merges.
type SignatureConfiguration struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

// CredentialsConfiguration authenticates against the upstream remote.
type CredentialsConfiguration struct {
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	SSHKeyPath       string `mapstructure:"ssh_key_path"`
	SSHKeyPassphrase string `mapstructure:"ssh_key_passphrase"`
}

// MaintenanceConfiguration schedules garbage collection of the local checkout.
type MaintenanceConfiguration struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultConfiguration provides baseline configuration values.
func DefaultConfiguration() Configuration {
	defaultPolicy := retry.DefaultPolicy()
	defaultIdentity := synthesis.DefaultIdentity()
	return Configuration{
		RemoteName:        defaultRemoteNameConstant,
		TopicPatterns:     []string{},
		TopicReferences:   []string{},
		OutputNamespace:   defaultOutputNamespaceConstant,
		PollInterval:      defaultPollIntervalConstant,
		WorkerConcurrency: defaultWorkerConcurrencyConstant,
		OperationTimeout:  defaultOperationTimeoutConstant,
		RetryBackoff: RetryConfiguration{
			Base:        defaultPolicy.BaseDelay,
			Max:         defaultPolicy.MaxDelay,
			MaxAttempts: defaultPolicy.MaxAttempts,
		},
		State: StateConfiguration{
			Driver: string(state.DriverMemory),
		},
		Signature: SignatureConfiguration{
			Name:  defaultIdentity.Name,
			Email: defaultIdentity.Email,
		},
		Maintenance: MaintenanceConfiguration{
			Enabled:  false,
			Interval: defaultMaintenanceIntervalConstant,
		},
	}
}

// DefaultConfigurationValues produces Viper defaults rooted at rootKey.
func DefaultConfigurationValues(rootKey string) map[string]any {
	defaults := DefaultConfiguration()
	key := func(segments ...string) string {
		return rootKey + keySeparatorConstant + strings.Join(segments, keySeparatorConstant)
	}
	return map[string]any{
		key(sourceKeyConstant):                                      defaults.Source,
		key(checkoutPathKeyConstant):                                defaults.CheckoutPath,
		key(remoteNameKeyConstant):                                  defaults.RemoteName,
		key(topicPatternsKeyConstant):                               defaults.TopicPatterns,
		key(topicReferencesKeyConstant):                             defaults.TopicReferences,
		key(targetReferenceKeyConstant):                             defaults.TargetReference,
		key(outputNamespaceKeyConstant):                             defaults.OutputNamespace,
		key(pollIntervalKeyConstant):                                defaults.PollInterval,
		key(pushEnabledKeyConstant):                                 defaults.PushEnabled,
		key(workerConcurrencyKeyConstant):                           defaults.WorkerConcurrency,
		key(operationTimeoutKeyConstant):                            defaults.OperationTimeout,
		key(retryBackoffKeyConstant, retryBaseKeyConstant):          defaults.RetryBackoff.Base,
		key(retryBackoffKeyConstant, retryMaxKeyConstant):           defaults.RetryBackoff.Max,
		key(retryBackoffKeyConstant, retryMaxAttemptsKeyConstant):   defaults.RetryBackoff.MaxAttempts,
		key(stateKeyConstant, stateDriverKeyConstant):               defaults.State.Driver,
		key(stateKeyConstant, statePathKeyConstant):                 defaults.State.Path,
		key(signatureKeyConstant, signatureNameKeyConstant):         defaults.Signature.Name,
		key(signatureKeyConstant, signatureEmailKeyConstant):        defaults.Signature.Email,
		key(maintenanceKeyConstant, maintenanceEnabledKeyConstant):  defaults.Maintenance.Enabled,
		key(maintenanceKeyConstant, maintenanceIntervalKeyConstant): defaults.Maintenance.Interval,
	}
}

// Sanitize trims values, resolves local paths, and fills zero values with defaults.
func (configuration Configuration) Sanitize() Configuration {
	return configuration.sanitize(pathutils.NewHomeExpander())
}

func (configuration Configuration) sanitize(expander *pathutils.HomeExpander) Configuration {
	defaults := DefaultConfiguration()
	sanitized := configuration

	sanitized.Source = expander.Expand(strings.TrimSpace(configuration.Source))
	sanitized.CheckoutPath = expander.ResolveLocalPath(configuration.CheckoutPath)
	sanitized.RemoteName = strings.TrimSpace(configuration.RemoteName)
	if len(sanitized.RemoteName) == 0 {
		sanitized.RemoteName = defaults.RemoteName
	}
	sanitized.TopicPatterns = trimValues(configuration.TopicPatterns)
	sanitized.TopicReferences = trimValues(configuration.TopicReferences)
	sanitized.TargetReference = strings.TrimSpace(configuration.TargetReference)
	sanitized.OutputNamespace = strings.Trim(strings.TrimSpace(configuration.OutputNamespace), "/")
	if len(sanitized.OutputNamespace) == 0 {
		sanitized.OutputNamespace = defaults.OutputNamespace
	}
	if sanitized.PollInterval == 0 {
		sanitized.PollInterval = defaults.PollInterval
	}
	if sanitized.WorkerConcurrency == 0 {
		sanitized.WorkerConcurrency = defaults.WorkerConcurrency
	}
	if sanitized.OperationTimeout == 0 {
		sanitized.OperationTimeout = defaults.OperationTimeout
	}
	if sanitized.RetryBackoff.Base == 0 {
		sanitized.RetryBackoff.Base = defaults.RetryBackoff.Base
	}
	if sanitized.RetryBackoff.Max == 0 {
		sanitized.RetryBackoff.Max = defaults.RetryBackoff.Max
	}
	if sanitized.RetryBackoff.MaxAttempts == 0 {
		sanitized.RetryBackoff.MaxAttempts = defaults.RetryBackoff.MaxAttempts
	}
	sanitized.State.Driver = strings.ToLower(strings.TrimSpace(configuration.State.Driver))
	if len(sanitized.State.Driver) == 0 {
		sanitized.State.Driver = defaults.State.Driver
	}
	sanitized.State.Path = expander.ResolveLocalPath(configuration.State.Path)
	sanitized.Signature.Name = strings.TrimSpace(configuration.Signature.Name)
	if len(sanitized.Signature.Name) == 0 {
		sanitized.Signature.Name = defaults.Signature.Name
	}
	sanitized.Signature.Email = strings.TrimSpace(configuration.Signature.Email)
	if len(sanitized.Signature.Email) == 0 {
		sanitized.Signature.Email = defaults.Signature.Email
	}
	sanitized.Credentials.Username = strings.TrimSpace(configuration.Credentials.Username)
	sanitized.Credentials.SSHKeyPath = expander.ResolveLocalPath(configuration.Credentials.SSHKeyPath)
	if sanitized.Maintenance.Interval == 0 {
		sanitized.Maintenance.Interval = defaults.Maintenance.Interval
	}

	return sanitized
}

// Validate reports the first invalid value as a *ConfigurationError.
func (configuration Configuration) Validate() error {
	if len(configuration.Source) == 0 {
		return &ConfigurationError{Field: sourceKeyConstant, Reason: requiredReasonConstant}
	}
	if len(configuration.TopicPatterns) == 0 && len(configuration.TopicReferences) == 0 {
		return &ConfigurationError{Field: topicPatternsKeyConstant, Reason: topicsRequiredReasonConstant}
	}
	if _, matcherError := watcher.NewMatcher(configuration.TopicPatterns, configuration.TopicReferences, nil); matcherError != nil {
		return &ConfigurationError{Field: topicPatternsKeyConstant, Reason: matcherError.Error()}
	}
	if len(configuration.TargetReference) > 0 {
		if referenceError := watcher.ValidateReference(watcher.NormalizeReference(configuration.TargetReference)); referenceError != nil {
			return &ConfigurationError{Field: targetReferenceKeyConstant, Reason: referenceError.Error()}
		}
	}
	if namespaceError := publish.ValidateNamespace(configuration.OutputNamespace); namespaceError != nil {
		return &ConfigurationError{Field: outputNamespaceKeyConstant, Reason: namespaceError.Error()}
	}
	if configuration.PollInterval <= 0 {
		return &ConfigurationError{Field: pollIntervalKeyConstant, Reason: positiveDurationReasonConstant}
	}
	if configuration.WorkerConcurrency <= 0 {
		return &ConfigurationError{Field: workerConcurrencyKeyConstant, Reason: positiveIntegerReasonConstant}
	}
	if configuration.OperationTimeout <= 0 {
		return &ConfigurationError{Field: operationTimeoutKeyConstant, Reason: positiveDurationReasonConstant}
	}
	if configuration.RetryBackoff.Base <= 0 {
		return &ConfigurationError{Field: retryBackoffKeyConstant + keySeparatorConstant + retryBaseKeyConstant, Reason: positiveDurationReasonConstant}
	}
	if configuration.RetryBackoff.Max < configuration.RetryBackoff.Base {
		return &ConfigurationError{Field: retryBackoffKeyConstant + keySeparatorConstant + retryMaxKeyConstant, Reason: backoffOrderReasonConstant}
	}
	if configuration.RetryBackoff.MaxAttempts < 0 {
		return &ConfigurationError{Field: retryBackoffKeyConstant + keySeparatorConstant + retryMaxAttemptsKeyConstant, Reason: nonNegativeIntegerReasonConstant}
	}
	if stateError := configuration.validateState(); stateError != nil {
		return stateError
	}
	if configuration.Maintenance.Enabled {
		if len(configuration.CheckoutPath) == 0 {
			return &ConfigurationError{Field: maintenanceKeyConstant + keySeparatorConstant + maintenanceEnabledKeyConstant, Reason: maintenanceCheckoutReasonConstant}
		}
		if configuration.Maintenance.Interval <= 0 {
			return &ConfigurationError{Field: maintenanceKeyConstant + keySeparatorConstant + maintenanceIntervalKeyConstant, Reason: positiveDurationReasonConstant}
		}
	}
	return nil
}

func (configuration Configuration) validateState() error {
	switch state.Driver(configuration.State.Driver) {
	case state.DriverMemory:
		return nil
	case state.DriverSQLite:
		if len(configuration.State.Path) == 0 {
			return &ConfigurationError{Field: stateKeyConstant + keySeparatorConstant + statePathKeyConstant, Reason: sqlitePathReasonConstant}
		}
		return nil
	case state.DriverReferences:
		if len(configuration.CheckoutPath) == 0 {
			return &ConfigurationError{Field: stateKeyConstant + keySeparatorConstant + stateDriverKeyConstant, Reason: referencesCheckoutReasonConstant}
		}
		return nil
	default:
		return &ConfigurationError{Field: stateKeyConstant + keySeparatorConstant + stateDriverKeyConstant, Reason: fmt.Sprintf(unsupportedDriverReasonTemplateConstant, configuration.State.Driver)}
	}
}

func trimValues(raw []string) []string {
	trimmed := make([]string, 0, len(raw))
	for _, candidate := range raw {
		value := strings.TrimSpace(candidate)
		if len(value) == 0 {
			continue
		}
		trimmed = append(trimmed, value)
	}
	return trimmed
}
