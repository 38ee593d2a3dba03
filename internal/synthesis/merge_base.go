package synthesis

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"
)

// MergeBase returns the best common ancestor of target and topic, or the zero
// hash when the histories are unrelated. Among several independent common
// ancestors the one with the latest committer time wins, ties broken by hash.
func (synthesizer *Synthesizer) MergeBase(executionContext context.Context, target plumbing.Hash, topic plumbing.Hash) (plumbing.Hash, error) {
	candidates, mergeBaseError := synthesizer.store.MergeBases(executionContext, target, topic)
	if mergeBaseError != nil {
		return plumbing.ZeroHash, mergeBaseError
	}

	switch len(candidates) {
	case 0:
		return plumbing.ZeroHash, nil
	case 1:
		return candidates[0], nil
	}
	return synthesizer.newestCandidate(executionContext, candidates)
}

func (synthesizer *Synthesizer) newestCandidate(executionContext context.Context, candidates []plumbing.Hash) (plumbing.Hash, error) {
	best := plumbing.ZeroHash
	var bestCommitter int64
	for _, candidate := range candidates {
		candidateCommit, readError := synthesizer.readCommit(executionContext, candidate)
		if readError != nil {
			return plumbing.ZeroHash, readError
		}
		committedAt := candidateCommit.Committer.When.UnixNano()
		newer := committedAt > bestCommitter || (committedAt == bestCommitter && candidate.String() < best.String())
		if best.IsZero() || newer {
			best = candidate
			bestCommitter = committedAt
		}
	}
	return best, nil
}
