package repository

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"go.uber.org/zap"
)

const (
	operationListConstant                  = "ls-remote"
	operationFetchConstant                 = "fetch"
	operationPushConstant                  = "push"
	operationReferenceUpdateConstant       = "reference update"
	forcedRefSpecTemplateConstant          = "+%s:%s"
	deleteRefSpecTemplateConstant          = ":%s"
	remoteLookupErrorTemplateConstant      = "unable to resolve remote %s: %w"
	fetchCompletedMessageConstant          = "fetch completed"
	pushCompletedMessageConstant           = "push completed"
	logFieldReferenceCountConstant         = "reference_count"
	logFieldHeadTargetConstant             = "head_target"
	logFieldExpectedCommitConstant         = "expected_commit"
	logFieldRemoteCommitConstant           = "remote_commit"
	pushLeaseRejectedMessageConstant       = "remote rejected push lease"
	pruneTrackingErrorTemplateConstant     = "unable to prune tracking reference %s: %w"
	trackingReferencePrunedMessageConstant = "tracking reference pruned"
)

// ReferenceSelector decides which advertised upstream references are fetched.
type ReferenceSelector func(reference plumbing.ReferenceName) bool

// FetchResult lists the selected upstream references and the branch the remote HEAD points at.
type FetchResult struct {
	References map[plumbing.ReferenceName]plumbing.Hash
	HeadTarget plumbing.ReferenceName
}

// Fetch lists the remote, downloads objects for every selected reference and
// records them under refs/remotes/<remote>/upstream/. Tracking references of
// upstream references that are no longer selected are pruned. The returned
// names are upstream names.
func (repository *Repository) Fetch(executionContext context.Context, selector ReferenceSelector) (FetchResult, error) {
	operationContext, cancel := repository.withTimeout(executionContext)
	defer cancel()

	repository.transportMutex.Lock()
	defer repository.transportMutex.Unlock()

	advertised, listError := repository.listRemote(operationContext)
	if listError != nil {
		return FetchResult{}, listError
	}

	result := FetchResult{References: map[plumbing.ReferenceName]plumbing.Hash{}, HeadTarget: resolveHeadTarget(advertised)}
	for _, advertisedReference := range advertised {
		if advertisedReference.Type() != plumbing.HashReference {
			continue
		}
		if advertisedReference.Name() == plumbing.HEAD {
			continue
		}
		if selector != nil && !selector(advertisedReference.Name()) {
			continue
		}
		result.References[advertisedReference.Name()] = advertisedReference.Hash()
	}

	if len(result.References) > 0 {
		refSpecs := make([]config.RefSpec, 0, len(result.References))
		for _, referenceName := range sortedReferenceNames(result.References) {
			trackingReference := repository.RemoteTrackingReference(referenceName.String())
			refSpecs = append(refSpecs, config.RefSpec(fmt.Sprintf(forcedRefSpecTemplateConstant, referenceName, trackingReference)))
		}

		fetchError := repository.repository.FetchContext(operationContext, &git.FetchOptions{
			RemoteName: repository.remoteName,
			RefSpecs:   refSpecs,
			Auth:       repository.authentication,
			Tags:       git.NoTags,
			Force:      true,
		})
		if fetchError != nil && !errors.Is(fetchError, git.NoErrAlreadyUpToDate) {
			return FetchResult{}, repository.transportFailure(operationContext, operationFetchConstant, fetchError)
		}
	}

	if pruneError := repository.pruneTrackingReferences(result.References); pruneError != nil {
		return FetchResult{}, pruneError
	}

	repository.logger.Debug(
		fetchCompletedMessageConstant,
		zap.String(logFieldRemoteConstant, repository.remoteName),
		zap.Int(logFieldReferenceCountConstant, len(result.References)),
		zap.String(logFieldHeadTargetConstant, result.HeadTarget.String()),
	)
	return result, nil
}

// ReadRemoteReference returns the commit an upstream reference points at, or the zero hash when it is absent.
func (repository *Repository) ReadRemoteReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error) {
	operationContext, cancel := repository.withTimeout(executionContext)
	defer cancel()

	repository.transportMutex.Lock()
	defer repository.transportMutex.Unlock()

	advertised, listError := repository.listRemote(operationContext)
	if listError != nil {
		return plumbing.ZeroHash, listError
	}
	return advertisedValue(advertised, reference), nil
}

// Push moves the upstream reference from expectedOld to the value of the local
// reference with the same name. A zero newValue deletes the upstream reference.
func (repository *Repository) Push(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error {
	operationContext, cancel := repository.withTimeout(executionContext)
	defer cancel()

	repository.transportMutex.Lock()
	defer repository.transportMutex.Unlock()

	advertised, listError := repository.listRemote(operationContext)
	if listError != nil {
		return listError
	}
	remoteValue := advertisedValue(advertised, reference)
	if remoteValue == newValue {
		return nil
	}
	if remoteValue != expectedOld {
		return &RefConflictError{Reference: reference, Expected: expectedOld, Actual: remoteValue}
	}

	refSpec := config.RefSpec(fmt.Sprintf(forcedRefSpecTemplateConstant, reference, reference))
	if newValue.IsZero() {
		refSpec = config.RefSpec(fmt.Sprintf(deleteRefSpecTemplateConstant, reference))
	}

	pushOptions := &git.PushOptions{
		RemoteName: repository.remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       repository.authentication,
	}
	if !expectedOld.IsZero() {
		pushOptions.ForceWithLease = &git.ForceWithLease{RefName: reference, Hash: expectedOld}
	}

	pushError := repository.repository.PushContext(operationContext, pushOptions)
	if pushError != nil && !errors.Is(pushError, git.NoErrAlreadyUpToDate) {
		// A rejected lease looks like any other push failure, so look again before blaming the network.
		if refreshed, refreshError := repository.listRemote(operationContext); refreshError == nil {
			observedValue := advertisedValue(refreshed, reference)
			if observedValue != expectedOld && observedValue != newValue {
				repository.logger.Debug(
					pushLeaseRejectedMessageConstant,
					zap.String(logFieldReferenceConstant, reference.String()),
					zap.String(logFieldExpectedCommitConstant, expectedOld.String()),
					zap.String(logFieldRemoteCommitConstant, observedValue.String()),
				)
				return &RefConflictError{Reference: reference, Expected: expectedOld, Actual: observedValue}
			}
		}
		return repository.transportFailure(operationContext, operationPushConstant, pushError)
	}

	repository.logger.Debug(
		pushCompletedMessageConstant,
		zap.String(logFieldReferenceConstant, reference.String()),
		zap.String(logFieldCurrentCommitConstant, newValue.String()),
	)
	return nil
}

// pruneTrackingReferences removes tracking references whose upstream reference was not fetched.
func (repository *Repository) pruneTrackingReferences(fetched map[plumbing.ReferenceName]plumbing.Hash) error {
	trackingPrefix := repository.RemoteTrackingReference(referencesPrefixConstant)
	tracked, listError := repository.ListReferences(context.Background(), trackingPrefix)
	if listError != nil {
		return listError
	}

	kept := make(map[plumbing.ReferenceName]struct{}, len(fetched))
	for upstreamReference := range fetched {
		kept[plumbing.ReferenceName(repository.RemoteTrackingReference(upstreamReference.String()))] = struct{}{}
	}
	for _, trackingReference := range sortedReferenceNames(tracked) {
		if _, keep := kept[trackingReference]; keep {
			continue
		}
		if removeError := repository.repository.Storer.RemoveReference(trackingReference); removeError != nil {
			return fmt.Errorf(pruneTrackingErrorTemplateConstant, trackingReference, removeError)
		}
		repository.logger.Debug(trackingReferencePrunedMessageConstant, zap.String(logFieldReferenceConstant, trackingReference.String()))
	}
	return nil
}

func (repository *Repository) listRemote(operationContext context.Context) ([]*plumbing.Reference, error) {
	remote, remoteError := repository.repository.Remote(repository.remoteName)
	if remoteError != nil {
		return nil, fmt.Errorf(remoteLookupErrorTemplateConstant, repository.remoteName, remoteError)
	}
	advertised, listError := remote.ListContext(operationContext, &git.ListOptions{Auth: repository.authentication})
	if errors.Is(listError, transport.ErrEmptyRemoteRepository) {
		return nil, nil
	}
	if listError != nil {
		return nil, repository.transportFailure(operationContext, operationListConstant, listError)
	}
	return advertised, nil
}

// transportFailure classifies remote failures as transient unless the caller itself was cancelled.
func (repository *Repository) transportFailure(operationContext context.Context, operation string, cause error) error {
	if errors.Is(cause, context.Canceled) && operationContext.Err() == context.Canceled {
		return cause
	}
	return &TransportError{Operation: operation, Remote: repository.source, Err: cause}
}

func timeoutFailure(subject string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TransportError{Operation: operationReferenceUpdateConstant, Remote: subject, Err: cause}
	}
	return cause
}

func advertisedValue(advertised []*plumbing.Reference, reference plumbing.ReferenceName) plumbing.Hash {
	for _, advertisedReference := range advertised {
		if advertisedReference.Name() == reference && advertisedReference.Type() == plumbing.HashReference {
			return advertisedReference.Hash()
		}
	}
	return plumbing.ZeroHash
}

// resolveHeadTarget prefers the symbolic HEAD advertisement and falls back to the
// first branch sharing HEAD's commit when the server does not advertise symrefs.
func resolveHeadTarget(advertised []*plumbing.Reference) plumbing.ReferenceName {
	var headHash plumbing.Hash
	for _, advertisedReference := range advertised {
		if advertisedReference.Name() != plumbing.HEAD {
			continue
		}
		if advertisedReference.Type() == plumbing.SymbolicReference {
			return advertisedReference.Target()
		}
		headHash = advertisedReference.Hash()
	}
	if headHash.IsZero() {
		return ""
	}

	candidates := map[plumbing.ReferenceName]plumbing.Hash{}
	for _, advertisedReference := range advertised {
		if advertisedReference.Type() == plumbing.HashReference && advertisedReference.Name().IsBranch() && advertisedReference.Hash() == headHash {
			candidates[advertisedReference.Name()] = advertisedReference.Hash()
		}
	}
	names := sortedReferenceNames(candidates)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
