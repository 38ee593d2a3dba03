package repository

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	encodeObjectErrorTemplateConstant = "unable to encode %s: %w"
	storeObjectErrorTemplateConstant  = "unable to store %s: %w"
	openWriterErrorTemplateConstant   = "unable to open blob writer: %w"
	writeBlobErrorTemplateConstant    = "unable to write blob content: %w"
	readBlobErrorTemplateConstant     = "unable to read blob content: %w"
	objectKindBlobConstant            = "blob"
	objectKindTreeConstant            = "tree"
	objectKindCommitConstant          = "commit"
	directoryNameSuffixConstant       = "/"
)

// EmptyTreeHash identifies the tree with no entries.
var EmptyTreeHash = plumbing.NewHash("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the decoded subset of a commit object the merge engine relies on.
type Commit struct {
	Hash      plumbing.Hash
	Tree      plumbing.Hash
	Parents   []plumbing.Hash
	Author    Signature
	Committer Signature
	Message   string
}

// TreeEntry is one named child of a tree object.
type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	Hash plumbing.Hash
}

// IsDirectory reports whether the entry points at a subtree.
func (entry TreeEntry) IsDirectory() bool {
	return entry.Mode == filemode.Dir
}

// Tree is a decoded tree object.
type Tree struct {
	Hash    plumbing.Hash
	Entries []TreeEntry
}

// CommitRequest describes a commit object to write.
type CommitRequest struct {
	Tree      plumbing.Hash
	Parents   []plumbing.Hash
	Author    Signature
	Committer Signature
	Message   string
}

// ReadCommit decodes the commit identified by hash.
func (repository *Repository) ReadCommit(executionContext context.Context, hash plumbing.Hash) (Commit, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return Commit{}, contextError
	}

	decodedCommit, readError := object.GetCommit(repository.repository.Storer, hash)
	if readError != nil {
		return Commit{}, &CorruptionError{Object: hash, Err: readError}
	}

	parents := make([]plumbing.Hash, len(decodedCommit.ParentHashes))
	copy(parents, decodedCommit.ParentHashes)

	return Commit{
		Hash:      decodedCommit.Hash,
		Tree:      decodedCommit.TreeHash,
		Parents:   parents,
		Author:    Signature{Name: decodedCommit.Author.Name, Email: decodedCommit.Author.Email, When: decodedCommit.Author.When},
		Committer: Signature{Name: decodedCommit.Committer.Name, Email: decodedCommit.Committer.Email, When: decodedCommit.Committer.When},
		Message:   decodedCommit.Message,
	}, nil
}

// ReadTree decodes the tree identified by hash.
func (repository *Repository) ReadTree(executionContext context.Context, hash plumbing.Hash) (Tree, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return Tree{}, contextError
	}
	if hash == EmptyTreeHash {
		return Tree{Hash: hash}, nil
	}

	decodedTree, readError := object.GetTree(repository.repository.Storer, hash)
	if readError != nil {
		return Tree{}, &CorruptionError{Object: hash, Err: readError}
	}

	entries := make([]TreeEntry, 0, len(decodedTree.Entries))
	for _, decodedEntry := range decodedTree.Entries {
		entries = append(entries, TreeEntry{Name: decodedEntry.Name, Mode: decodedEntry.Mode, Hash: decodedEntry.Hash})
	}
	return Tree{Hash: decodedTree.Hash, Entries: entries}, nil
}

// MergeBases returns the best common ancestors of two commits. None of them is an
// ancestor of another; the result is empty when the histories are unrelated.
func (repository *Repository) MergeBases(executionContext context.Context, first plumbing.Hash, second plumbing.Hash) ([]plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return nil, contextError
	}

	firstCommit, firstError := object.GetCommit(repository.repository.Storer, first)
	if firstError != nil {
		return nil, &CorruptionError{Object: first, Err: firstError}
	}
	secondCommit, secondError := object.GetCommit(repository.repository.Storer, second)
	if secondError != nil {
		return nil, &CorruptionError{Object: second, Err: secondError}
	}

	bases, mergeBaseError := firstCommit.MergeBase(secondCommit)
	if mergeBaseError != nil {
		return nil, &CorruptionError{Object: first, Err: mergeBaseError}
	}

	hashes := make([]plumbing.Hash, 0, len(bases))
	for _, base := range bases {
		hashes = append(hashes, base.Hash)
	}
	return hashes, nil
}

// ReadBlob returns the content of the blob identified by hash.
func (repository *Repository) ReadBlob(executionContext context.Context, hash plumbing.Hash) ([]byte, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return nil, contextError
	}

	blob, lookupError := object.GetBlob(repository.repository.Storer, hash)
	if lookupError != nil {
		return nil, &CorruptionError{Object: hash, Err: lookupError}
	}
	reader, openError := blob.Reader()
	if openError != nil {
		return nil, fmt.Errorf(readBlobErrorTemplateConstant, openError)
	}
	defer reader.Close()

	content, readError := io.ReadAll(reader)
	if readError != nil {
		return nil, fmt.Errorf(readBlobErrorTemplateConstant, readError)
	}
	return content, nil
}

// WriteBlob stores content as a blob object.
func (repository *Repository) WriteBlob(executionContext context.Context, content []byte) (plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return plumbing.ZeroHash, contextError
	}

	encodedObject := repository.repository.Storer.NewEncodedObject()
	encodedObject.SetType(plumbing.BlobObject)
	encodedObject.SetSize(int64(len(content)))

	writer, writerError := encodedObject.Writer()
	if writerError != nil {
		return plumbing.ZeroHash, fmt.Errorf(openWriterErrorTemplateConstant, writerError)
	}
	if _, writeError := writer.Write(content); writeError != nil {
		_ = writer.Close()
		return plumbing.ZeroHash, fmt.Errorf(writeBlobErrorTemplateConstant, writeError)
	}
	if closeError := writer.Close(); closeError != nil {
		return plumbing.ZeroHash, fmt.Errorf(writeBlobErrorTemplateConstant, closeError)
	}

	return repository.storeObject(objectKindBlobConstant, encodedObject)
}

// WriteTree stores a tree object. Entries are sorted into git's canonical order first.
func (repository *Repository) WriteTree(executionContext context.Context, entries []TreeEntry) (plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return plumbing.ZeroHash, contextError
	}

	treeEntries := make([]object.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		treeEntries = append(treeEntries, object.TreeEntry{Name: entry.Name, Mode: entry.Mode, Hash: entry.Hash})
	}
	sort.Slice(treeEntries, func(left int, right int) bool {
		return canonicalEntryName(treeEntries[left]) < canonicalEntryName(treeEntries[right])
	})

	tree := object.Tree{Entries: treeEntries}
	encodedObject := repository.repository.Storer.NewEncodedObject()
	if encodeError := tree.Encode(encodedObject); encodeError != nil {
		return plumbing.ZeroHash, fmt.Errorf(encodeObjectErrorTemplateConstant, objectKindTreeConstant, encodeError)
	}
	return repository.storeObject(objectKindTreeConstant, encodedObject)
}

// WriteCommit stores a commit object.
func (repository *Repository) WriteCommit(executionContext context.Context, request CommitRequest) (plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return plumbing.ZeroHash, contextError
	}

	parents := make([]plumbing.Hash, len(request.Parents))
	copy(parents, request.Parents)

	commit := object.Commit{
		Author:       object.Signature{Name: request.Author.Name, Email: request.Author.Email, When: request.Author.When},
		Committer:    object.Signature{Name: request.Committer.Name, Email: request.Committer.Email, When: request.Committer.When},
		Message:      request.Message,
		TreeHash:     request.Tree,
		ParentHashes: parents,
	}

	encodedObject := repository.repository.Storer.NewEncodedObject()
	if encodeError := commit.Encode(encodedObject); encodeError != nil {
		return plumbing.ZeroHash, fmt.Errorf(encodeObjectErrorTemplateConstant, objectKindCommitConstant, encodeError)
	}
	return repository.storeObject(objectKindCommitConstant, encodedObject)
}

// ResolveRevision resolves a revision expression such as a branch name or abbreviated hash.
func (repository *Repository) ResolveRevision(executionContext context.Context, revision string) (plumbing.Hash, error) {
	if contextError := contextFailure(executionContext); contextError != nil {
		return plumbing.ZeroHash, contextError
	}

	resolvedHash, resolveError := repository.repository.ResolveRevision(plumbing.Revision(revision))
	if resolveError != nil {
		return plumbing.ZeroHash, resolveError
	}
	return *resolvedHash, nil
}

func (repository *Repository) storeObject(kind string, encodedObject plumbing.EncodedObject) (plumbing.Hash, error) {
	storedHash, storeError := repository.repository.Storer.SetEncodedObject(encodedObject)
	if storeError != nil {
		return plumbing.ZeroHash, fmt.Errorf(storeObjectErrorTemplateConstant, kind, storeError)
	}
	return storedHash, nil
}

// canonicalEntryName compares directories as if their name ended with a slash, matching git.
func canonicalEntryName(entry object.TreeEntry) string {
	if entry.Mode == filemode.Dir {
		return entry.Name + directoryNameSuffixConstant
	}
	return entry.Name
}

func contextFailure(executionContext context.Context) error {
	if executionContext == nil {
		return nil
	}
	if contextError := executionContext.Err(); contextError != nil {
		return contextError
	}
	return nil
}
