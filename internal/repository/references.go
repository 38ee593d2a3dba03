package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage"
	"go.uber.org/zap"
)

const (
	referencesPrefixConstant             = "refs/"
	readReferenceErrorTemplateConstant   = "unable to read reference %s: %w"
	updateReferenceErrorTemplateConstant = "unable to update reference %s: %w"
	removeReferenceErrorTemplateConstant = "unable to remove reference %s: %w"
	listReferencesErrorTemplateConstant  = "unable to list references: %w"
	referenceUpdatedMessageConstant      = "local reference updated"
	logFieldReferenceConstant            = "reference"
	logFieldPreviousCommitConstant       = "previous_commit"
	logFieldCurrentCommitConstant        = "current_commit"
)

// ReadReference returns the commit a local reference points at, or the zero hash when it is absent.
func (repository *Repository) ReadReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return plumbing.ZeroHash, contextError
	}

	return repository.currentReferenceValue(reference)
}

// ListReferences returns local references under prefix, keyed by name.
func (repository *Repository) ListReferences(executionContext context.Context, prefix string) (map[plumbing.ReferenceName]plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return nil, contextError
	}

	iterator, iteratorError := repository.repository.Storer.IterReferences()
	if iteratorError != nil {
		return nil, fmt.Errorf(listReferencesErrorTemplateConstant, iteratorError)
	}
	defer iterator.Close()

	references := map[plumbing.ReferenceName]plumbing.Hash{}
	iterationError := iterator.ForEach(func(reference *plumbing.Reference) error {
		if reference.Type() != plumbing.HashReference {
			return nil
		}
		if !strings.HasPrefix(reference.Name().String(), prefix) {
			return nil
		}
		references[reference.Name()] = reference.Hash()
		return nil
	})
	if iterationError != nil {
		return nil, fmt.Errorf(listReferencesErrorTemplateConstant, iterationError)
	}
	return references, nil
}

// CompareAndSwapReference moves a local reference from expectedOld to newValue.
// A zero expectedOld requires the reference to be absent; a zero newValue deletes it.
func (repository *Repository) CompareAndSwapReference(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error {
	executionContext, cancel := repository.withTimeout(executionContext)
	defer cancel()
	if contextError := contextFailure(executionContext); contextError != nil {
		return timeoutFailure(reference.String(), contextError)
	}

	repository.referenceMutex.Lock()
	defer repository.referenceMutex.Unlock()

	currentValue, readError := repository.currentReferenceValue(reference)
	if readError != nil {
		return readError
	}
	if currentValue != expectedOld {
		return &RefConflictError{Reference: reference, Expected: expectedOld, Actual: currentValue}
	}
	if currentValue == newValue {
		return nil
	}

	if newValue.IsZero() {
		if removeError := repository.repository.Storer.RemoveReference(reference); removeError != nil {
			return fmt.Errorf(removeReferenceErrorTemplateConstant, reference, removeError)
		}
	} else {
		var previousReference *plumbing.Reference
		if !expectedOld.IsZero() {
			previousReference = plumbing.NewHashReference(reference, expectedOld)
		}
		updateError := repository.repository.Storer.CheckAndSetReference(plumbing.NewHashReference(reference, newValue), previousReference)
		if errors.Is(updateError, storage.ErrReferenceHasChanged) {
			observedValue, _ := repository.currentReferenceValue(reference)
			return &RefConflictError{Reference: reference, Expected: expectedOld, Actual: observedValue}
		}
		if updateError != nil {
			return fmt.Errorf(updateReferenceErrorTemplateConstant, reference, updateError)
		}
	}

	repository.logger.Debug(
		referenceUpdatedMessageConstant,
		zap.String(logFieldReferenceConstant, reference.String()),
		zap.String(logFieldPreviousCommitConstant, expectedOld.String()),
		zap.String(logFieldCurrentCommitConstant, newValue.String()),
	)
	return nil
}

func (repository *Repository) currentReferenceValue(reference plumbing.ReferenceName) (plumbing.Hash, error) {
	storedReference, readError := repository.repository.Storer.Reference(reference)
	if errors.Is(readError, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if readError != nil {
		return plumbing.ZeroHash, fmt.Errorf(readReferenceErrorTemplateConstant, reference, readError)
	}
	return storedReference.Hash(), nil
}

func sortedReferenceNames(references map[plumbing.ReferenceName]plumbing.Hash) []plumbing.ReferenceName {
	names := make([]plumbing.ReferenceName, 0, len(references))
	for name := range references {
		names = append(names, name)
	}
	sort.Slice(names, func(left int, right int) bool {
		return names[left] < names[right]
	})
	return names
}
