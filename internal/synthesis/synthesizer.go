// Package synthesis computes three-way merges of commit trees and writes merge
// commits straight into the object store, never touching a working directory.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/repository"
)

const (
	objectStoreMissingMessageConstant   = "object store not configured"
	targetCommitRequiredMessageConstant = "target commit must be provided"
	topicCommitRequiredMessageConstant  = "topic commit must be provided"
	mergeMessageTemplateConstant        = "Merge %s into %s"
	defaultIdentityNameConstant         = "premerge"
	defaultIdentityEmailConstant        = "premerge@localhost"
	defaultCommitCacheSizeConstant      = 4096
	commitCacheErrorTemplateConstant    = "unable to create commit cache: %w"
	mergeBaseErrorTemplateConstant      = "unable to compute merge base of %s and %s: %w"
	treeMergeErrorTemplateConstant      = "unable to merge trees: %w"
	writeMergeErrorTemplateConstant     = "unable to write merge commit: %w"
	synthesisCleanMessageConstant       = "merge synthesized"
	synthesisConflictedMessageConstant  = "merge conflicted"
	logFieldTargetReferenceConstant     = "target_ref"
	logFieldTopicReferenceConstant      = "topic_ref"
	logFieldTargetCommitConstant        = "target_commit"
	logFieldTopicCommitConstant         = "topic_commit"
	logFieldMergeBaseConstant           = "merge_base"
	logFieldMergeCommitConstant         = "merge_commit"
	logFieldConflictCountConstant       = "conflict_count"
)

// ErrObjectStoreNotConfigured indicates the synthesizer was built without an object store.
var ErrObjectStoreNotConfigured = errors.New(objectStoreMissingMessageConstant)

// ErrTargetCommitRequired indicates the request omitted the target commit.
var ErrTargetCommitRequired = errors.New(targetCommitRequiredMessageConstant)

// ErrTopicCommitRequired indicates the request omitted the topic commit.
var ErrTopicCommitRequired = errors.New(topicCommitRequiredMessageConstant)

// ObjectStore is the subset of the repository accessor that synthesis needs.
type ObjectStore interface {
	ReadCommit(executionContext context.Context, hash plumbing.Hash) (repository.Commit, error)
	ReadTree(executionContext context.Context, hash plumbing.Hash) (repository.Tree, error)
	MergeBases(executionContext context.Context, first plumbing.Hash, second plumbing.Hash) ([]plumbing.Hash, error)
	WriteTree(executionContext context.Context, entries []repository.TreeEntry) (plumbing.Hash, error)
	WriteCommit(executionContext context.Context, request repository.CommitRequest) (plumbing.Hash, error)
}

// Identity is the fixed author and committer of every merge commit.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity returns the identity used when none is configured.
func DefaultIdentity() Identity {
	return Identity{Name: defaultIdentityNameConstant, Email: defaultIdentityEmailConstant}
}

// ResultKind tags a synthesis outcome.
type ResultKind string

// Synthesis outcomes.
const (
	ResultClean      ResultKind = "clean"
	ResultConflicted ResultKind = "conflicted"
)

// Request names the two commits to merge and the references they came from.
type Request struct {
	TargetReference string
	TopicReference  string
	TargetCommit    plumbing.Hash
	TopicCommit     plumbing.Hash
}

// Result is either a clean merge commit or the list of conflicting paths.
type Result struct {
	Kind        ResultKind
	MergeCommit plumbing.Hash
	Tree        plumbing.Hash
	MergeBase   plumbing.Hash
	Conflicts   []Conflict
}

// Dependencies enumerates collaborators and settings for a Synthesizer.
type Dependencies struct {
	Store           ObjectStore
	Logger          *zap.Logger
	Clock           func() time.Time
	Identity        Identity
	CommitCacheSize int
}

// Synthesizer produces merge commits for (target, topic) pairs.
type Synthesizer struct {
	store       ObjectStore
	logger      *zap.Logger
	clock       func() time.Time
	identity    Identity
	commitCache *lru.Cache[plumbing.Hash, repository.Commit]
}

// NewSynthesizer validates dependencies and applies defaults.
func NewSynthesizer(dependencies Dependencies) (*Synthesizer, error) {
	if dependencies.Store == nil {
		return nil, ErrObjectStoreNotConfigured
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := dependencies.Clock
	if clock == nil {
		clock = time.Now
	}
	identity := dependencies.Identity
	if len(identity.Name) == 0 {
		identity.Name = defaultIdentityNameConstant
	}
	if len(identity.Email) == 0 {
		identity.Email = defaultIdentityEmailConstant
	}
	cacheSize := dependencies.CommitCacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCommitCacheSizeConstant
	}

	commitCache, cacheError := lru.New[plumbing.Hash, repository.Commit](cacheSize)
	if cacheError != nil {
		return nil, fmt.Errorf(commitCacheErrorTemplateConstant, cacheError)
	}

	return &Synthesizer{store: dependencies.Store, logger: logger, clock: clock, identity: identity, commitCache: commitCache}, nil
}

// Synthesize merges TopicCommit into TargetCommit. Conflicts are reported in the
// result, not as an error; no objects are written for a conflicted merge.
func (synthesizer *Synthesizer) Synthesize(executionContext context.Context, request Request) (Result, error) {
	if request.TargetCommit.IsZero() {
		return Result{}, ErrTargetCommitRequired
	}
	if request.TopicCommit.IsZero() {
		return Result{}, ErrTopicCommitRequired
	}

	targetCommit, targetError := synthesizer.readCommit(executionContext, request.TargetCommit)
	if targetError != nil {
		return Result{}, targetError
	}
	topicCommit, topicError := synthesizer.readCommit(executionContext, request.TopicCommit)
	if topicError != nil {
		return Result{}, topicError
	}

	mergeBase, mergeBaseError := synthesizer.MergeBase(executionContext, request.TargetCommit, request.TopicCommit)
	if mergeBaseError != nil {
		return Result{}, fmt.Errorf(mergeBaseErrorTemplateConstant, request.TargetCommit, request.TopicCommit, mergeBaseError)
	}

	baseTree := plumbing.ZeroHash
	if !mergeBase.IsZero() {
		baseCommit, baseError := synthesizer.readCommit(executionContext, mergeBase)
		if baseError != nil {
			return Result{}, baseError
		}
		baseTree = baseCommit.Tree
	}

	mergedRoot, conflicts, mergeError := synthesizer.mergeTrees(executionContext, "", baseTree, targetCommit.Tree, topicCommit.Tree)
	if mergeError != nil {
		return Result{}, fmt.Errorf(treeMergeErrorTemplateConstant, mergeError)
	}

	if len(conflicts) > 0 {
		sort.Slice(conflicts, func(left int, right int) bool {
			return conflicts[left].Path < conflicts[right].Path
		})
		synthesizer.logger.Info(
			synthesisConflictedMessageConstant,
			zap.String(logFieldTopicReferenceConstant, request.TopicReference),
			zap.String(logFieldTargetReferenceConstant, request.TargetReference),
			zap.String(logFieldMergeBaseConstant, mergeBase.String()),
			zap.Int(logFieldConflictCountConstant, len(conflicts)),
		)
		return Result{Kind: ResultConflicted, MergeBase: mergeBase, Conflicts: conflicts}, nil
	}

	mergedTree, writeTreeError := synthesizer.writeMergedTree(executionContext, mergedRoot)
	if writeTreeError != nil {
		return Result{}, fmt.Errorf(writeMergeErrorTemplateConstant, writeTreeError)
	}

	now := synthesizer.clock()
	signature := repository.Signature{Name: synthesizer.identity.Name, Email: synthesizer.identity.Email, When: now}
	mergeCommit, commitError := synthesizer.store.WriteCommit(executionContext, repository.CommitRequest{
		Tree:      mergedTree,
		Parents:   []plumbing.Hash{request.TargetCommit, request.TopicCommit},
		Author:    signature,
		Committer: signature,
		Message:   MergeMessage(request.TopicReference, request.TargetReference),
	})
	if commitError != nil {
		return Result{}, fmt.Errorf(writeMergeErrorTemplateConstant, commitError)
	}

	synthesizer.logger.Debug(
		synthesisCleanMessageConstant,
		zap.String(logFieldTopicReferenceConstant, request.TopicReference),
		zap.String(logFieldTargetReferenceConstant, request.TargetReference),
		zap.String(logFieldTargetCommitConstant, request.TargetCommit.String()),
		zap.String(logFieldTopicCommitConstant, request.TopicCommit.String()),
		zap.String(logFieldMergeBaseConstant, mergeBase.String()),
		zap.String(logFieldMergeCommitConstant, mergeCommit.String()),
	)

	return Result{Kind: ResultClean, MergeCommit: mergeCommit, Tree: mergedTree, MergeBase: mergeBase}, nil
}

// MergeMessage formats the message of a merge commit.
func MergeMessage(topicReference string, targetReference string) string {
	return fmt.Sprintf(mergeMessageTemplateConstant, topicReference, targetReference)
}

func (synthesizer *Synthesizer) readCommit(executionContext context.Context, hash plumbing.Hash) (repository.Commit, error) {
	if cachedCommit, cached := synthesizer.commitCache.Get(hash); cached {
		return cachedCommit, nil
	}
	decodedCommit, readError := synthesizer.store.ReadCommit(executionContext, hash)
	if readError != nil {
		return repository.Commit{}, readError
	}
	synthesizer.commitCache.Add(hash, decodedCommit)
	return decodedCommit, nil
}
