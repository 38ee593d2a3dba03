// Package state persists one Merge Record per watched topic branch.
package state

import (
	"errors"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/temirov/premerge/internal/synthesis"
)

const (
	topicReferenceRequiredMessageConstant = "topic reference must be provided"
	mergeCommitInvariantMessageConstant   = "merge commit must be set exactly when status is clean"
	unknownStatusMessageConstant          = "unknown merge status"
)

// ErrTopicReferenceRequired indicates a record without a key.
var ErrTopicReferenceRequired = errors.New(topicReferenceRequiredMessageConstant)

// ErrMergeCommitInvariant indicates a record whose merge commit disagrees with its status.
var ErrMergeCommitInvariant = errors.New(mergeCommitInvariantMessageConstant)

// ErrUnknownStatus indicates a record with a status outside the known set.
var ErrUnknownStatus = errors.New(unknownStatusMessageConstant)

// Status is the outcome of the latest reconciliation of a topic.
type Status string

// Known statuses.
const (
	StatusClean      Status = "clean"
	StatusConflicted Status = "conflicted"
	StatusError      Status = "error"
)

// Record is the persisted merge state of one topic branch.
type Record struct {
	TopicReference string
	TopicCommit    plumbing.Hash
	TargetCommit   plumbing.Hash
	// MergeCommit is non-zero only for StatusClean; its parents are (TargetCommit, TopicCommit).
	MergeCommit plumbing.Hash
	// PublishedCommit is the last value written to the output reference, zero when nothing is published.
	PublishedCommit plumbing.Hash
	Status          Status
	Conflicts       []synthesis.Conflict
	ErrorMessage    string
	LastUpdated     time.Time
}

// Validate enforces the record invariants.
func (record Record) Validate() error {
	if len(record.TopicReference) == 0 {
		return ErrTopicReferenceRequired
	}
	switch record.Status {
	case StatusClean:
		if record.MergeCommit.IsZero() {
			return ErrMergeCommitInvariant
		}
	case StatusConflicted, StatusError:
		if !record.MergeCommit.IsZero() {
			return ErrMergeCommitInvariant
		}
	default:
		return ErrUnknownStatus
	}
	return nil
}

// SamePair reports whether the record was computed from exactly these inputs.
func (record Record) SamePair(topicCommit plumbing.Hash, targetCommit plumbing.Hash) bool {
	return record.TopicCommit == topicCommit && record.TargetCommit == targetCommit
}

// Clone returns a deep copy so callers never share the conflict slice.
func (record Record) Clone() Record {
	cloned := record
	if record.Conflicts != nil {
		cloned.Conflicts = make([]synthesis.Conflict, len(record.Conflicts))
		copy(cloned.Conflicts, record.Conflicts)
	}
	return cloned
}
