package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/repository"
)

const (
	fetcherMissingMessageConstant   = "reference fetcher not configured"
	matcherMissingMessageConstant   = "reference matcher not configured"
	targetUnresolvedMessageConstant = "target reference unresolved: none configured and the remote advertises no HEAD"
	pollFailedErrorTemplateConstant = "poll failed: %w"
	targetResolvedMessageConstant   = "target reference resolved from remote HEAD"
	pollCompletedMessageConstant    = "poll completed"
	targetMissingMessageConstant    = "target reference not present upstream"
	logFieldTargetReferenceConstant = "target_ref"
	logFieldEventCountConstant      = "event_count"
	logFieldWatchedCountConstant    = "watched_count"
)

// ErrFetcherNotConfigured indicates the watcher was built without a fetcher.
var ErrFetcherNotConfigured = errors.New(fetcherMissingMessageConstant)

// ErrMatcherNotConfigured indicates the watcher was built without a matcher.
var ErrMatcherNotConfigured = errors.New(matcherMissingMessageConstant)

// ErrTargetUnresolved indicates no target could be determined for this poll.
var ErrTargetUnresolved = errors.New(targetUnresolvedMessageConstant)

// Fetcher downloads the selected upstream references.
type Fetcher interface {
	Fetch(executionContext context.Context, selector repository.ReferenceSelector) (repository.FetchResult, error)
}

// Dependencies enumerates collaborators required by the Watcher.
type Dependencies struct {
	Fetcher Fetcher
	Matcher *Matcher
	Logger  *zap.Logger
}

// Watcher remembers the previous snapshot of watched references and reports differences.
type Watcher struct {
	fetcher         Fetcher
	matcher         *Matcher
	logger          *zap.Logger
	mutex           sync.Mutex
	targetReference plumbing.ReferenceName
	snapshot        map[plumbing.ReferenceName]BranchReference
}

// NewWatcher constructs a Watcher. An empty targetReference is resolved from the remote HEAD on the first successful poll.
func NewWatcher(dependencies Dependencies, targetReference string) (*Watcher, error) {
	if dependencies.Fetcher == nil {
		return nil, ErrFetcherNotConfigured
	}
	if dependencies.Matcher == nil {
		return nil, ErrMatcherNotConfigured
	}

	normalizedTarget := NormalizeReference(targetReference)
	if len(normalizedTarget) > 0 {
		if validationError := ValidateReference(normalizedTarget); validationError != nil {
			return nil, validationError
		}
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Watcher{
		fetcher:         dependencies.Fetcher,
		matcher:         dependencies.Matcher,
		logger:          logger,
		targetReference: plumbing.ReferenceName(normalizedTarget),
		snapshot:        map[plumbing.ReferenceName]BranchReference{},
	}, nil
}

// TargetReference returns the configured or resolved target, empty before resolution.
func (watcher *Watcher) TargetReference() plumbing.ReferenceName {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.targetReference
}

// Snapshot returns a copy of the references seen by the last successful poll.
func (watcher *Watcher) Snapshot() map[plumbing.ReferenceName]BranchReference {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	copied := make(map[plumbing.ReferenceName]BranchReference, len(watcher.snapshot))
	for name, reference := range watcher.snapshot {
		copied[name] = reference
	}
	return copied
}

// Poll fetches from upstream and returns the events separating the new snapshot
// from the previous one. On failure the previous snapshot is kept.
func (watcher *Watcher) Poll(executionContext context.Context) ([]ChangeEvent, error) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()

	targetReference := watcher.targetReference
	selector := func(reference plumbing.ReferenceName) bool {
		if len(targetReference) == 0 && reference.IsBranch() {
			return true
		}
		return reference == targetReference || watcher.matcher.IsTopic(reference)
	}

	fetchResult, fetchError := watcher.fetcher.Fetch(executionContext, selector)
	if fetchError != nil {
		return nil, fmt.Errorf(pollFailedErrorTemplateConstant, fetchError)
	}

	if len(targetReference) == 0 {
		if len(fetchResult.HeadTarget) == 0 {
			return nil, ErrTargetUnresolved
		}
		targetReference = fetchResult.HeadTarget
		watcher.targetReference = targetReference
		watcher.logger.Info(targetResolvedMessageConstant, zap.String(logFieldTargetReferenceConstant, targetReference.String()))
	}

	current := map[plumbing.ReferenceName]BranchReference{}
	for name, commit := range fetchResult.References {
		switch {
		case name == targetReference:
			current[name] = BranchReference{Name: name, Role: RoleTarget, Commit: commit}
		case watcher.matcher.IsTopic(name):
			current[name] = BranchReference{Name: name, Role: RoleTopic, Commit: commit}
		}
	}
	if _, targetPresent := current[targetReference]; !targetPresent {
		watcher.logger.Warn(targetMissingMessageConstant, zap.String(logFieldTargetReferenceConstant, targetReference.String()))
	}

	events := Diff(watcher.snapshot, current)
	watcher.snapshot = current

	watcher.logger.Debug(
		pollCompletedMessageConstant,
		zap.Int(logFieldWatchedCountConstant, len(current)),
		zap.Int(logFieldEventCountConstant, len(events)),
	)
	return events, nil
}

// Diff compares two snapshots. Target events come first, the rest are ordered by name.
func Diff(previous map[plumbing.ReferenceName]BranchReference, current map[plumbing.ReferenceName]BranchReference) []ChangeEvent {
	var events []ChangeEvent
	for name, currentReference := range current {
		previousReference, existed := previous[name]
		switch {
		case !existed:
			events = append(events, ChangeEvent{Kind: ChangeAdded, Reference: name, Role: currentReference.Role, CurrentCommit: currentReference.Commit})
		case previousReference.Commit != currentReference.Commit || previousReference.Role != currentReference.Role:
			events = append(events, ChangeEvent{
				Kind:           ChangeUpdated,
				Reference:      name,
				Role:           currentReference.Role,
				PreviousCommit: previousReference.Commit,
				CurrentCommit:  currentReference.Commit,
			})
		}
	}
	for name, previousReference := range previous {
		if _, stillPresent := current[name]; stillPresent {
			continue
		}
		events = append(events, ChangeEvent{Kind: ChangeRemoved, Reference: name, Role: previousReference.Role, PreviousCommit: previousReference.Commit})
	}

	sort.Slice(events, func(left int, right int) bool {
		leftTarget := events[left].Role == RoleTarget
		rightTarget := events[right].Role == RoleTarget
		if leftTarget != rightTarget {
			return leftTarget
		}
		return events[left].Reference < events[right].Reference
	})
	return events
}
