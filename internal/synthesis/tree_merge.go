package synthesis

import (
	"context"
	"path"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/temirov/premerge/internal/repository"
)

// slot is one side's view of a name inside a directory.
type slot struct {
	entry   repository.TreeEntry
	present bool
}

func (current slot) isDirectory() bool {
	return current.present && current.entry.IsDirectory()
}

func (current slot) sameAs(other slot) bool {
	if current.present != other.present {
		return false
	}
	if !current.present {
		return true
	}
	return current.entry.Mode == other.entry.Mode && current.entry.Hash == other.entry.Hash
}

// mergedTree is the in-memory result of a directory merge. Entries with a
// subtree still need writing; the rest reference existing objects.
type mergedTree struct {
	entries []mergedEntry
}

type mergedEntry struct {
	name    string
	mode    filemode.FileMode
	hash    plumbing.Hash
	subtree *mergedTree
}

// mergeTrees merges one directory level. A zero hash stands for an absent or empty directory.
func (synthesizer *Synthesizer) mergeTrees(executionContext context.Context, directory string, baseTree plumbing.Hash, targetTree plumbing.Hash, topicTree plumbing.Hash) (*mergedTree, []Conflict, error) {
	baseEntries, baseError := synthesizer.readEntries(executionContext, baseTree)
	if baseError != nil {
		return nil, nil, baseError
	}
	targetEntries, targetError := synthesizer.readEntries(executionContext, targetTree)
	if targetError != nil {
		return nil, nil, targetError
	}
	topicEntries, topicError := synthesizer.readEntries(executionContext, topicTree)
	if topicError != nil {
		return nil, nil, topicError
	}

	result := &mergedTree{}
	var conflicts []Conflict
	for _, name := range unionNames(baseEntries, targetEntries, topicEntries) {
		baseSlot := lookup(baseEntries, name)
		targetSlot := lookup(targetEntries, name)
		topicSlot := lookup(topicEntries, name)
		entryPath := path.Join(directory, name)

		switch {
		case targetSlot.sameAs(topicSlot):
			result.take(targetSlot)
		case targetSlot.sameAs(baseSlot):
			result.take(topicSlot)
		case topicSlot.sameAs(baseSlot):
			result.take(targetSlot)
		case targetSlot.isDirectory() && topicSlot.isDirectory(),
			baseSlot.isDirectory() && (targetSlot.isDirectory() || topicSlot.isDirectory()) && (!targetSlot.present || !topicSlot.present):
			subtree, subtreeConflicts, subtreeError := synthesizer.mergeTrees(
				executionContext,
				entryPath,
				directoryHash(baseSlot),
				directoryHash(targetSlot),
				directoryHash(topicSlot),
			)
			if subtreeError != nil {
				return nil, nil, subtreeError
			}
			conflicts = append(conflicts, subtreeConflicts...)
			if len(subtree.entries) > 0 {
				result.entries = append(result.entries, mergedEntry{name: name, mode: filemode.Dir, subtree: subtree})
			}
		case !targetSlot.present || !topicSlot.present:
			conflicts = append(conflicts, Conflict{Path: entryPath, Reason: DeleteModifyConflict})
		case targetSlot.isDirectory() != topicSlot.isDirectory():
			conflicts = append(conflicts, Conflict{Path: entryPath, Reason: TypeConflict})
		default:
			conflicts = append(conflicts, Conflict{Path: entryPath, Reason: ContentConflict})
		}
	}

	return result, conflicts, nil
}

func (result *mergedTree) take(chosen slot) {
	if !chosen.present {
		return
	}
	result.entries = append(result.entries, mergedEntry{name: chosen.entry.Name, mode: chosen.entry.Mode, hash: chosen.entry.Hash})
}

// writeMergedTree writes pending subtrees bottom-up and returns the root tree hash.
func (synthesizer *Synthesizer) writeMergedTree(executionContext context.Context, tree *mergedTree) (plumbing.Hash, error) {
	entries := make([]repository.TreeEntry, 0, len(tree.entries))
	for _, entry := range tree.entries {
		entryHash := entry.hash
		if entry.subtree != nil {
			subtreeHash, writeError := synthesizer.writeMergedTree(executionContext, entry.subtree)
			if writeError != nil {
				return plumbing.ZeroHash, writeError
			}
			entryHash = subtreeHash
		}
		entries = append(entries, repository.TreeEntry{Name: entry.name, Mode: entry.mode, Hash: entryHash})
	}
	return synthesizer.store.WriteTree(executionContext, entries)
}

func (synthesizer *Synthesizer) readEntries(executionContext context.Context, treeHash plumbing.Hash) (map[string]repository.TreeEntry, error) {
	entries := map[string]repository.TreeEntry{}
	if treeHash.IsZero() {
		return entries, nil
	}
	tree, readError := synthesizer.store.ReadTree(executionContext, treeHash)
	if readError != nil {
		return nil, readError
	}
	for _, entry := range tree.Entries {
		entries[entry.Name] = entry
	}
	return entries, nil
}

func lookup(entries map[string]repository.TreeEntry, name string) slot {
	entry, present := entries[name]
	return slot{entry: entry, present: present}
}

func directoryHash(current slot) plumbing.Hash {
	if !current.isDirectory() {
		return plumbing.ZeroHash
	}
	return current.entry.Hash
}

func unionNames(levels ...map[string]repository.TreeEntry) []string {
	seen := map[string]struct{}{}
	for _, level := range levels {
		for name := range level {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
