package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/retry"
)

const (
	defaultNamespaceConstant              = "premerge"
	referencesPrefixConstant              = "refs/"
	branchesPrefixConstant                = "refs/heads/"
	referenceSeparatorConstant            = "/"
	replacementCharacterConstant          = '-'
	replacementStringConstant             = "-"
	lockSuffixConstant                    = ".lock"
	lockReplacementSuffixConstant         = "-lock"
	forbiddenCharactersConstant           = " ~^:?*[\\"
	repositoryMissingMessageConstant      = "publishing repository not configured"
	invalidNamespaceMessageConstant       = "invalid output namespace"
	invalidTopicMessageConstant           = "topic reference cannot be mapped to an output reference"
	invalidNamespaceErrorTemplateConstant = "%w %q"
	invalidTopicErrorTemplateConstant     = "%w: %q"
	localPublishErrorTemplateConstant     = "unable to update %s: %w"
	remotePublishErrorTemplateConstant    = "unable to push %s: %w"
	casRetryMessageConstant               = "output reference moved, retrying"
	referencePublishedMessageConstant     = "output reference published"
	referenceRetractedMessageConstant     = "output reference retracted"
	logFieldOutputReferenceConstant       = "output_ref"
	logFieldExpectedCommitConstant        = "expected_commit"
	logFieldObservedCommitConstant        = "observed_commit"
	logFieldDesiredCommitConstant         = "desired_commit"
	logFieldAttemptConstant               = "attempt"
	logFieldScopeConstant                 = "scope"
	scopeLocalConstant                    = "local"
	scopeRemoteConstant                   = "remote"
)

var consecutiveSeparatorsReplacer = strings.NewReplacer("//", referenceSeparatorConstant)

// ErrRepositoryNotConfigured indicates the publisher was built without a repository.
var ErrRepositoryNotConfigured = errors.New(repositoryMissingMessageConstant)

// ErrInvalidNamespace indicates an output namespace git would reject.
var ErrInvalidNamespace = errors.New(invalidNamespaceMessageConstant)

// ErrInvalidTopic indicates a topic whose sanitized name is still not a valid reference.
var ErrInvalidTopic = errors.New(invalidTopicMessageConstant)

// ReferenceWriter is the subset of the repository accessor used for publishing.
type ReferenceWriter interface {
	ReadReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error)
	CompareAndSwapReference(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error
	ReadRemoteReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error)
	Push(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error
}

// Options configures where and how output references are written.
type Options struct {
	Namespace   string
	PushEnabled bool
}

// Dependencies enumerates collaborators required by the Publisher.
type Dependencies struct {
	Repository ReferenceWriter
	Retrier    retry.Retrier
	Logger     *zap.Logger
}

// Publisher moves output references with compare-and-swap semantics.
type Publisher struct {
	repository  ReferenceWriter
	retrier     retry.Retrier
	logger      *zap.Logger
	namespace   string
	pushEnabled bool

	mutex     sync.Mutex
	unsettled map[plumbing.ReferenceName]struct{}
}

// NewPublisher validates dependencies and the output namespace.
func NewPublisher(dependencies Dependencies, options Options) (*Publisher, error) {
	if dependencies.Repository == nil {
		return nil, ErrRepositoryNotConfigured
	}

	namespace := strings.Trim(strings.TrimSpace(options.Namespace), referenceSeparatorConstant)
	if len(namespace) == 0 {
		namespace = defaultNamespaceConstant
	}
	if validationError := ValidateNamespace(namespace); validationError != nil {
		return nil, validationError
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Publisher{
		repository:  dependencies.Repository,
		retrier:     dependencies.Retrier,
		logger:      logger,
		namespace:   namespace,
		pushEnabled: options.PushEnabled,
		unsettled:   map[plumbing.ReferenceName]struct{}{},
	}, nil
}

// Namespace returns the reference prefix, without refs/, that output references live under.
func (publisher *Publisher) Namespace() string {
	return publisher.namespace
}

// OutputReference maps a topic reference to its output reference.
func (publisher *Publisher) OutputReference(topicReference string) (plumbing.ReferenceName, error) {
	return OutputReference(publisher.namespace, topicReference)
}

// Publish points the output reference of topicReference at mergeCommit. expectedOld is
// the value last written, zero when nothing was published yet. The returned hash is the
// value the local output reference holds afterwards, also when the push failed.
func (publisher *Publisher) Publish(executionContext context.Context, topicReference string, expectedOld plumbing.Hash, mergeCommit plumbing.Hash) (plumbing.Hash, error) {
	outputReference, mappingError := publisher.OutputReference(topicReference)
	if mappingError != nil {
		return expectedOld, mappingError
	}
	localValue, publishError := publisher.move(executionContext, outputReference, expectedOld, mergeCommit)
	if publishError != nil {
		return localValue, publishError
	}

	publisher.logger.Info(
		referencePublishedMessageConstant,
		zap.String(logFieldOutputReferenceConstant, outputReference.String()),
		zap.String(logFieldDesiredCommitConstant, mergeCommit.String()),
	)
	return mergeCommit, nil
}

// Retract deletes the output reference of topicReference. Retracting an absent reference succeeds.
func (publisher *Publisher) Retract(executionContext context.Context, topicReference string, expectedOld plumbing.Hash) error {
	outputReference, mappingError := publisher.OutputReference(topicReference)
	if mappingError != nil {
		return mappingError
	}
	if _, retractError := publisher.move(executionContext, outputReference, expectedOld, plumbing.ZeroHash); retractError != nil {
		return retractError
	}

	publisher.logger.Info(referenceRetractedMessageConstant, zap.String(logFieldOutputReferenceConstant, outputReference.String()))
	return nil
}

// move applies desired locally and then, when pushing, at the remote. It returns the
// value the local reference holds afterwards. After a failed move the next one on the
// same reference starts from freshly read values instead of the caller's expectation.
func (publisher *Publisher) move(executionContext context.Context, outputReference plumbing.ReferenceName, expectedOld plumbing.Hash, desired plumbing.Hash) (plumbing.Hash, error) {
	localExpected := expectedOld
	remoteExpected := expectedOld
	if publisher.isUnsettled(outputReference) {
		observedLocal, readError := publisher.repository.ReadReference(executionContext, outputReference)
		if readError != nil {
			return expectedOld, fmt.Errorf(localPublishErrorTemplateConstant, outputReference, readError)
		}
		localExpected = observedLocal
		if publisher.pushEnabled {
			observedRemote, remoteReadError := publisher.repository.ReadRemoteReference(executionContext, outputReference)
			if remoteReadError != nil {
				return localExpected, fmt.Errorf(remotePublishErrorTemplateConstant, outputReference, remoteReadError)
			}
			remoteExpected = observedRemote
		}
	}

	localError := publisher.swap(
		executionContext,
		scopeLocalConstant,
		outputReference,
		localExpected,
		desired,
		publisher.repository.CompareAndSwapReference,
		publisher.repository.ReadReference,
	)
	if localError != nil {
		publisher.markUnsettled(outputReference, true)
		return localExpected, fmt.Errorf(localPublishErrorTemplateConstant, outputReference, localError)
	}
	if !publisher.pushEnabled {
		publisher.markUnsettled(outputReference, false)
		return desired, nil
	}

	remoteError := publisher.swap(
		executionContext,
		scopeRemoteConstant,
		outputReference,
		remoteExpected,
		desired,
		publisher.repository.Push,
		publisher.repository.ReadRemoteReference,
	)
	if remoteError != nil {
		publisher.markUnsettled(outputReference, true)
		return desired, fmt.Errorf(remotePublishErrorTemplateConstant, outputReference, remoteError)
	}
	publisher.markUnsettled(outputReference, false)
	return desired, nil
}

func (publisher *Publisher) isUnsettled(reference plumbing.ReferenceName) bool {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	_, unsettled := publisher.unsettled[reference]
	return unsettled
}

func (publisher *Publisher) markUnsettled(reference plumbing.ReferenceName, unsettled bool) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	if unsettled {
		publisher.unsettled[reference] = struct{}{}
		return
	}
	delete(publisher.unsettled, reference)
}

type swapFunction func(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error

type readFunction func(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error)

// swap retries a compare-and-swap, following the observed value after every
// conflict, until the reference holds desired or the retry policy gives up.
func (publisher *Publisher) swap(executionContext context.Context, scope string, reference plumbing.ReferenceName, expectedOld plumbing.Hash, desired plumbing.Hash, compareAndSwap swapFunction, read readFunction) error {
	expected := expectedOld
	return publisher.retrier.Do(executionContext, isRetryable, func(attempt int) error {
		swapError := compareAndSwap(executionContext, reference, expected, desired)
		if swapError == nil || !repository.IsRefConflict(swapError) {
			return swapError
		}

		observed, readError := read(executionContext, reference)
		if readError != nil {
			return readError
		}
		if observed == desired {
			return nil
		}

		publisher.logger.Debug(
			casRetryMessageConstant,
			zap.String(logFieldScopeConstant, scope),
			zap.String(logFieldOutputReferenceConstant, reference.String()),
			zap.String(logFieldExpectedCommitConstant, expected.String()),
			zap.String(logFieldObservedCommitConstant, observed.String()),
			zap.Int(logFieldAttemptConstant, attempt),
		)
		expected = observed
		return swapError
	})
}

func isRetryable(err error) bool {
	return repository.IsRefConflict(err) || repository.IsTransient(err)
}

// ValidateNamespace reports whether refs/<namespace>/x would be a valid reference.
func ValidateNamespace(namespace string) error {
	trimmed := strings.Trim(strings.TrimSpace(namespace), referenceSeparatorConstant)
	if len(trimmed) == 0 || trimmed != sanitize(trimmed) {
		return fmt.Errorf(invalidNamespaceErrorTemplateConstant, ErrInvalidNamespace, namespace)
	}
	candidate := plumbing.ReferenceName(referencesPrefixConstant + trimmed + referenceSeparatorConstant + defaultNamespaceConstant)
	if candidate.Validate() != nil {
		return fmt.Errorf(invalidNamespaceErrorTemplateConstant, ErrInvalidNamespace, namespace)
	}
	return nil
}

// OutputReference returns refs/<namespace>/<topic> where topic loses its refs/heads/
// or refs/ prefix and characters git forbids in reference names become '-'.
func OutputReference(namespace string, topicReference string) (plumbing.ReferenceName, error) {
	topic := strings.TrimSpace(topicReference)
	switch {
	case strings.HasPrefix(topic, branchesPrefixConstant):
		topic = strings.TrimPrefix(topic, branchesPrefixConstant)
	case strings.HasPrefix(topic, referencesPrefixConstant):
		topic = strings.TrimPrefix(topic, referencesPrefixConstant)
	}

	sanitized := sanitize(topic)
	if len(sanitized) == 0 {
		return "", fmt.Errorf(invalidTopicErrorTemplateConstant, ErrInvalidTopic, topicReference)
	}

	outputReference := plumbing.ReferenceName(referencesPrefixConstant + strings.Trim(namespace, referenceSeparatorConstant) + referenceSeparatorConstant + sanitized)
	if outputReference.Validate() != nil {
		return "", fmt.Errorf(invalidTopicErrorTemplateConstant, ErrInvalidTopic, topicReference)
	}
	return outputReference, nil
}

func sanitize(name string) string {
	replaced := strings.Map(func(character rune) rune {
		if character < 0x20 || character == 0x7f || strings.ContainsRune(forbiddenCharactersConstant, character) {
			return replacementCharacterConstant
		}
		return character
	}, name)
	replaced = strings.ReplaceAll(replaced, "..", replacementStringConstant)
	replaced = strings.ReplaceAll(replaced, "@{", replacementStringConstant)
	for strings.Contains(replaced, "//") {
		replaced = consecutiveSeparatorsReplacer.Replace(replaced)
	}
	replaced = strings.Trim(replaced, referenceSeparatorConstant)
	if replaced == "@" {
		return replacementStringConstant
	}

	components := strings.Split(replaced, referenceSeparatorConstant)
	for index, component := range components {
		if strings.HasPrefix(component, ".") {
			component = replacementStringConstant + strings.TrimPrefix(component, ".")
		}
		if strings.HasSuffix(component, lockSuffixConstant) {
			component = strings.TrimSuffix(component, lockSuffixConstant) + lockReplacementSuffixConstant
		}
		if strings.HasSuffix(component, ".") {
			component = strings.TrimSuffix(component, ".") + replacementStringConstant
		}
		components[index] = component
	}
	return strings.Join(components, referenceSeparatorConstant)
}
