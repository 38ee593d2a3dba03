package daemon

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/premerge/internal/execshell"
	"github.com/temirov/premerge/internal/githubauth"
	"github.com/temirov/premerge/internal/maintenance"
	"github.com/temirov/premerge/internal/publish"
	"github.com/temirov/premerge/internal/reconcile"
	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/retry"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
	"github.com/temirov/premerge/internal/watcher"
)

const (
	namespacePrefixTemplateConstant      = "refs/%s/"
	retryJitterFractionConstant          = 0.2
	openRepositoryErrorTemplateConstant  = "unable to open repository: %w"
	openStoreErrorTemplateConstant       = "unable to open state store: %w"
	fetchErrorTemplateConstant           = "unable to fetch %s: %w"
	resolveRevisionErrorTemplateConstant = "unable to resolve revision %q: %w"
	closeStoreErrorTemplateConstant      = "unable to close state store: %w"
	serviceStartedMessageConstant        = "merge daemon started"
	maintenanceDisabledMessageConstant   = "repository maintenance disabled"
	fetchRetryMessageConstant            = "fetch failed, retrying"
	logFieldSourceConstant               = "source"
	logFieldTargetConstant               = "target"
	logFieldNamespaceConstant            = "namespace"
	logFieldPollIntervalConstant         = "poll_interval"
	logFieldConcurrencyConstant          = "concurrency"
	logFieldPushEnabledConstant          = "push_enabled"
	logFieldAttemptConstant              = "attempt"
	logFieldReasonConstant               = "reason"
	inMemoryCheckoutReasonConstant       = "in-memory checkout"
	maintenanceOffReasonConstant         = "maintenance.enabled is false"
)

// Dependencies supplies optional collaborators of the Service.
type Dependencies struct {
	Logger         *zap.Logger
	OutcomeHandler reconcile.OutcomeHandler
	CommandRunner  execshell.CommandRunner
	Clock          func() time.Time
	Sleep          retry.Sleeper
}

// Service assembles the repository, store, synthesizer, publisher, watcher, and reconciler described by a Configuration.
type Service struct {
	configuration Configuration
	logger        *zap.Logger
	repository    *repository.Repository
	fetcher       *retryingFetcher
	store         state.Store
	synthesizer   *synthesis.Synthesizer
	publisher     *publish.Publisher
	watcher       *watcher.Watcher
	reconciler    *reconcile.Reconciler
	maintenance   *maintenance.Service
}

// NewService validates configuration and wires every component. Invalid settings yield a *ConfigurationError.
func NewService(configuration Configuration, dependencies Dependencies) (*Service, error) {
	sanitized := configuration.Sanitize()
	if validationError := sanitized.Validate(); validationError != nil {
		return nil, validationError
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	username, password := githubauth.HTTPSCredentials(sanitized.Source, sanitized.Credentials.Username, sanitized.Credentials.Password, nil)
	openedRepository, openError := repository.Open(repository.Options{
		Source:       sanitized.Source,
		CheckoutPath: sanitized.CheckoutPath,
		RemoteName:   sanitized.RemoteName,
		Credentials: repository.Credentials{
			Username:         username,
			Password:         repository.Secret(password),
			SSHKeyPath:       sanitized.Credentials.SSHKeyPath,
			SSHKeyPassphrase: repository.Secret(sanitized.Credentials.SSHKeyPassphrase),
		},
		OperationTimeout: sanitized.OperationTimeout,
		Logger:           logger,
	})
	if openError != nil {
		return nil, fmt.Errorf(openRepositoryErrorTemplateConstant, openError)
	}

	retrier := retry.Retrier{
		Policy: retry.Policy{
			BaseDelay:      sanitized.RetryBackoff.Base,
			MaxDelay:       sanitized.RetryBackoff.Max,
			MaxAttempts:    sanitized.RetryBackoff.MaxAttempts,
			JitterFraction: retryJitterFractionConstant,
		},
		Sleep: dependencies.Sleep,
	}

	store, storeError := openStore(sanitized, openedRepository, logger)
	if storeError != nil {
		return nil, storeError
	}

	service, assemblyError := assemble(sanitized, dependencies, logger, openedRepository, store, retrier)
	if assemblyError != nil {
		if closer, closable := store.(io.Closer); closable {
			_ = closer.Close()
		}
		return nil, assemblyError
	}
	return service, nil
}

func assemble(configuration Configuration, dependencies Dependencies, logger *zap.Logger, openedRepository *repository.Repository, store state.Store, retrier retry.Retrier) (*Service, error) {
	synthesizer, synthesizerError := synthesis.NewSynthesizer(synthesis.Dependencies{
		Store:    openedRepository,
		Logger:   logger,
		Clock:    dependencies.Clock,
		Identity: synthesis.Identity{Name: configuration.Signature.Name, Email: configuration.Signature.Email},
	})
	if synthesizerError != nil {
		return nil, synthesizerError
	}

	publisher, publisherError := publish.NewPublisher(
		publish.Dependencies{Repository: openedRepository, Retrier: retrier, Logger: logger},
		publish.Options{Namespace: configuration.OutputNamespace, PushEnabled: configuration.PushEnabled},
	)
	if publisherError != nil {
		return nil, publisherError
	}

	excludedPrefixes := []string{fmt.Sprintf(namespacePrefixTemplateConstant, publisher.Namespace())}
	if refsStore, refsBacked := store.(*state.RefsStore); refsBacked {
		excludedPrefixes = append(excludedPrefixes, fmt.Sprintf(namespacePrefixTemplateConstant, refsStore.Namespace()))
	}
	matcher, matcherError := watcher.NewMatcher(configuration.TopicPatterns, configuration.TopicReferences, excludedPrefixes)
	if matcherError != nil {
		return nil, matcherError
	}

	fetcher := &retryingFetcher{repository: openedRepository, retrier: retrier, logger: logger}
	referenceWatcher, watcherError := watcher.NewWatcher(watcher.Dependencies{Fetcher: fetcher, Matcher: matcher, Logger: logger}, configuration.TargetReference)
	if watcherError != nil {
		return nil, watcherError
	}

	reconciler, reconcilerError := reconcile.NewReconciler(reconcile.Dependencies{
		Store:          store,
		Synthesizer:    synthesizer,
		Publisher:      publisher,
		Logger:         logger,
		Clock:          dependencies.Clock,
		OutcomeHandler: dependencies.OutcomeHandler,
	}, reconcile.Options{Concurrency: configuration.WorkerConcurrency})
	if reconcilerError != nil {
		return nil, reconcilerError
	}

	maintenanceService, maintenanceError := buildMaintenance(configuration, dependencies, logger)
	if maintenanceError != nil {
		return nil, maintenanceError
	}

	return &Service{
		configuration: configuration,
		logger:        logger,
		repository:    openedRepository,
		fetcher:       fetcher,
		store:         store,
		synthesizer:   synthesizer,
		publisher:     publisher,
		watcher:       referenceWatcher,
		reconciler:    reconciler,
		maintenance:   maintenanceService,
	}, nil
}

func buildMaintenance(configuration Configuration, dependencies Dependencies, logger *zap.Logger) (*maintenance.Service, error) {
	if !configuration.Maintenance.Enabled || len(configuration.CheckoutPath) == 0 {
		reason := maintenanceOffReasonConstant
		if len(configuration.CheckoutPath) == 0 {
			reason = inMemoryCheckoutReasonConstant
		}
		logger.Debug(maintenanceDisabledMessageConstant, zap.String(logFieldReasonConstant, reason))
		return nil, nil
	}

	runner := dependencies.CommandRunner
	if runner == nil {
		runner = execshell.NewOSCommandRunner()
	}
	executor, executorError := execshell.NewShellExecutor(logger, runner)
	if executorError != nil {
		return nil, executorError
	}
	return maintenance.NewService(
		maintenance.Dependencies{Executor: executor, Logger: logger},
		maintenance.Options{RepositoryPath: configuration.CheckoutPath, Interval: configuration.Maintenance.Interval},
	)
}

// Configuration returns the sanitized configuration the service was built from.
func (service *Service) Configuration() Configuration {
	return service.configuration
}

// Run reconciles continuously, alongside scheduled maintenance when enabled, until the context ends or a fatal error occurs.
func (service *Service) Run(executionContext context.Context) error {
	service.logger.Info(
		serviceStartedMessageConstant,
		zap.String(logFieldSourceConstant, service.configuration.Source),
		zap.String(logFieldTargetConstant, service.configuration.TargetReference),
		zap.String(logFieldNamespaceConstant, service.publisher.Namespace()),
		zap.Duration(logFieldPollIntervalConstant, service.configuration.PollInterval),
		zap.Int(logFieldConcurrencyConstant, service.configuration.WorkerConcurrency),
		zap.Bool(logFieldPushEnabledConstant, service.configuration.PushEnabled),
	)

	group, groupContext := errgroup.WithContext(executionContext)
	group.Go(func() error {
		return service.reconciler.Run(groupContext, service.watcher, service.configuration.PollInterval)
	})
	if service.maintenance != nil {
		group.Go(func() error {
			return service.maintenance.Run(groupContext)
		})
	}
	return group.Wait()
}

// RunOnce performs a single poll followed by one reconciliation cycle.
func (service *Service) RunOnce(executionContext context.Context) (reconcile.CycleSummary, error) {
	return service.reconciler.PollAndReconcile(executionContext, service.watcher)
}

// ReadRecords opens the configured state store and lists its merge records ordered by topic reference.
func ReadRecords(executionContext context.Context, configuration Configuration) ([]state.Record, error) {
	sanitized := configuration.Sanitize()
	if validationError := sanitized.validateState(); validationError != nil {
		return nil, validationError
	}

	var openedRepository *repository.Repository
	if state.Driver(sanitized.State.Driver) == state.DriverReferences {
		localRepository, openError := repository.Open(repository.Options{
			Source:       sanitized.Source,
			CheckoutPath: sanitized.CheckoutPath,
			RemoteName:   sanitized.RemoteName,
		})
		if openError != nil {
			return nil, fmt.Errorf(openRepositoryErrorTemplateConstant, openError)
		}
		openedRepository = localRepository
	}

	store, storeError := openStore(sanitized, openedRepository, nil)
	if storeError != nil {
		return nil, storeError
	}
	if closer, closable := store.(io.Closer); closable {
		defer closer.Close()
	}

	records, listError := store.All(executionContext)
	if listError != nil {
		return nil, listError
	}
	sort.Slice(records, func(left int, right int) bool {
		return records[left].TopicReference < records[right].TopicReference
	})
	return records, nil
}

// openStore builds the configured state store. The refs driver keeps records in
// openedRepository and mirrors them upstream when pushing is enabled.
func openStore(configuration Configuration, openedRepository *repository.Repository, logger *zap.Logger) (state.Store, error) {
	options := state.Options{
		Driver:    state.Driver(configuration.State.Driver),
		Path:      configuration.State.Path,
		Namespace: configuration.OutputNamespace,
	}
	if openedRepository != nil {
		options.References = state.RefsStoreDependencies{References: openedRepository, Logger: logger}
		if configuration.PushEnabled {
			options.References.Remote = openedRepository
		}
	}

	store, storeError := state.Open(options)
	if storeError != nil {
		return nil, fmt.Errorf(openStoreErrorTemplateConstant, storeError)
	}
	return store, nil
}

// Synthesize fetches upstream and merges topicRevision into targetRevision without publishing anything.
// Revisions may be branch names, full reference names, or commit hashes.
func (service *Service) Synthesize(executionContext context.Context, targetRevision string, topicRevision string) (synthesis.Result, error) {
	if _, fetchError := service.fetcher.Fetch(executionContext, nil); fetchError != nil {
		return synthesis.Result{}, fmt.Errorf(fetchErrorTemplateConstant, service.configuration.Source, fetchError)
	}

	targetCommit, targetError := service.resolve(executionContext, targetRevision)
	if targetError != nil {
		return synthesis.Result{}, targetError
	}
	topicCommit, topicError := service.resolve(executionContext, topicRevision)
	if topicError != nil {
		return synthesis.Result{}, topicError
	}

	return service.synthesizer.Synthesize(executionContext, synthesis.Request{
		TargetReference: watcher.NormalizeReference(targetRevision),
		TopicReference:  watcher.NormalizeReference(topicRevision),
		TargetCommit:    targetCommit,
		TopicCommit:     topicCommit,
	})
}

// Close releases the state store.
func (service *Service) Close() error {
	closer, closable := service.store.(io.Closer)
	if !closable {
		return nil
	}
	if closeError := closer.Close(); closeError != nil {
		return fmt.Errorf(closeStoreErrorTemplateConstant, closeError)
	}
	return nil
}

func (service *Service) resolve(executionContext context.Context, revision string) (plumbing.Hash, error) {
	if !plumbing.IsHash(revision) {
		trackingReference := service.repository.RemoteTrackingReference(watcher.NormalizeReference(revision))
		tracked, readError := service.repository.ReadReference(executionContext, plumbing.ReferenceName(trackingReference))
		if readError == nil && !tracked.IsZero() {
			return tracked, nil
		}
	}

	resolved, resolveError := service.repository.ResolveRevision(executionContext, revision)
	if resolveError != nil {
		return plumbing.ZeroHash, fmt.Errorf(resolveRevisionErrorTemplateConstant, revision, resolveError)
	}
	return resolved, nil
}

// retryingFetcher retries transient fetch failures with backoff before the watcher sees them.
type retryingFetcher struct {
	repository *repository.Repository
	retrier    retry.Retrier
	logger     *zap.Logger
}

func (fetcher *retryingFetcher) Fetch(executionContext context.Context, selector repository.ReferenceSelector) (repository.FetchResult, error) {
	var result repository.FetchResult
	fetchError := fetcher.retrier.Do(executionContext, repository.IsTransient, func(attempt int) error {
		fetched, attemptError := fetcher.repository.Fetch(executionContext, selector)
		if attemptError != nil {
			if repository.IsTransient(attemptError) {
				fetcher.logger.Debug(fetchRetryMessageConstant, zap.Int(logFieldAttemptConstant, attempt), zap.Error(attemptError))
			}
			return attemptError
		}
		result = fetched
		return nil
	})
	return result, fetchError
}
