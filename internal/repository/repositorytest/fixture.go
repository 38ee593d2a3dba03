// Package repositorytest builds commit graphs for tests without a working tree.
package repositorytest

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/stretchr/testify/require"

	"github.com/temirov/premerge/internal/repository"
)

const (
	fixtureAuthorNameConstant  = "Fixture Author"
	fixtureAuthorEmailConstant = "fixture@example.com"
	upstreamDirectoryConstant  = "upstream.git"
	pathSeparatorConstant      = "/"
)

var fixtureEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Files maps slash separated paths to blob content.
type Files map[string]string

// Fixture wraps a repository and writes commits from flat file maps.
type Fixture struct {
	testInstance *testing.T
	Repository   *repository.Repository
	Path         string
	commitCount  int
}

// NewMemory returns a fixture backed by in-memory storage.
func NewMemory(testInstance *testing.T) *Fixture {
	testInstance.Helper()
	memoryRepository, openError := repository.Open(repository.Options{Source: testInstance.TempDir()})
	require.NoError(testInstance, openError)
	return &Fixture{testInstance: testInstance, Repository: memoryRepository}
}

// NewUpstream returns a fixture backed by a bare repository on disk that other repositories can fetch from.
func NewUpstream(testInstance *testing.T) *Fixture {
	testInstance.Helper()
	upstreamPath := filepath.Join(testInstance.TempDir(), upstreamDirectoryConstant)
	upstreamRepository, openError := repository.Open(repository.Options{Source: upstreamPath, CheckoutPath: upstreamPath})
	require.NoError(testInstance, openError)
	return &Fixture{testInstance: testInstance, Repository: upstreamRepository, Path: upstreamPath}
}

// Commit writes the full tree described by files and a commit with the given parents.
// Each commit is one minute newer than the previous one written by the fixture.
func (fixture *Fixture) Commit(files Files, parents ...plumbing.Hash) plumbing.Hash {
	fixture.testInstance.Helper()
	treeHash := fixture.Tree(files)
	fixture.commitCount++
	when := fixtureEpoch.Add(time.Duration(fixture.commitCount) * time.Minute)
	signature := repository.Signature{Name: fixtureAuthorNameConstant, Email: fixtureAuthorEmailConstant, When: when}

	commitHash, commitError := fixture.Repository.WriteCommit(context.Background(), repository.CommitRequest{
		Tree:      treeHash,
		Parents:   parents,
		Author:    signature,
		Committer: signature,
		Message:   strings.Join(sortedPaths(files), " "),
	})
	require.NoError(fixture.testInstance, commitError)
	return commitHash
}

// Tree writes nested tree objects for files and returns the root tree hash.
func (fixture *Fixture) Tree(files Files) plumbing.Hash {
	fixture.testInstance.Helper()
	root := map[string]any{}
	for path, content := range files {
		segments := strings.Split(path, pathSeparatorConstant)
		node := root
		for _, segment := range segments[:len(segments)-1] {
			child, exists := node[segment].(map[string]any)
			if !exists {
				child = map[string]any{}
				node[segment] = child
			}
			node = child
		}
		node[segments[len(segments)-1]] = content
	}
	return fixture.writeNode(root)
}

// SetBranch points a local reference at commit regardless of its previous value.
func (fixture *Fixture) SetBranch(reference string, commit plumbing.Hash) {
	fixture.testInstance.Helper()
	referenceName := plumbing.ReferenceName(reference)
	currentValue, readError := fixture.Repository.ReadReference(context.Background(), referenceName)
	require.NoError(fixture.testInstance, readError)
	require.NoError(fixture.testInstance, fixture.Repository.CompareAndSwapReference(context.Background(), referenceName, currentValue, commit))
}

// DeleteBranch removes a local reference if it exists.
func (fixture *Fixture) DeleteBranch(reference string) {
	fixture.SetBranch(reference, plumbing.ZeroHash)
}

// TreeOf returns the root tree of commit.
func (fixture *Fixture) TreeOf(commit plumbing.Hash) plumbing.Hash {
	fixture.testInstance.Helper()
	decodedCommit, readError := fixture.Repository.ReadCommit(context.Background(), commit)
	require.NoError(fixture.testInstance, readError)
	return decodedCommit.Tree
}

func (fixture *Fixture) writeNode(node map[string]any) plumbing.Hash {
	entries := make([]repository.TreeEntry, 0, len(node))
	for name, value := range node {
		switch typed := value.(type) {
		case string:
			blobHash, blobError := fixture.Repository.WriteBlob(context.Background(), []byte(typed))
			require.NoError(fixture.testInstance, blobError)
			entries = append(entries, repository.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blobHash})
		case map[string]any:
			entries = append(entries, repository.TreeEntry{Name: name, Mode: filemode.Dir, Hash: fixture.writeNode(typed)})
		}
	}
	treeHash, treeError := fixture.Repository.WriteTree(context.Background(), entries)
	require.NoError(fixture.testInstance, treeError)
	return treeHash
}

func sortedPaths(files Files) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
