package repository_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/repository/repositorytest"
)

const (
	testMainBranchConstant    = "refs/heads/main"
	testFeatureBranchConstant = "refs/heads/feature/login"
	testOtherBranchConstant   = "refs/heads/docs"
)

func openDownstream(testInstance *testing.T, upstream *repositorytest.Fixture) *repository.Repository {
	testInstance.Helper()
	downstream, openError := repository.Open(repository.Options{Source: upstream.Path, OperationTimeout: time.Minute})
	require.NoError(testInstance, openError)
	return downstream
}

func TestFetchSelectsReferencesAndRecordsTracking(testInstance *testing.T) {
	upstream := repositorytest.NewUpstream(testInstance)
	mainCommit := upstream.Commit(repositorytest.Files{"README.md": "main"})
	featureCommit := upstream.Commit(repositorytest.Files{"README.md": "main", "login.go": "package login"}, mainCommit)
	upstream.SetBranch(testMainBranchConstant, mainCommit)
	upstream.SetBranch(testFeatureBranchConstant, featureCommit)
	upstream.SetBranch(testOtherBranchConstant, mainCommit)

	downstream := openDownstream(testInstance, upstream)
	result, fetchError := downstream.Fetch(context.Background(), func(reference plumbing.ReferenceName) bool {
		return reference.String() != testOtherBranchConstant
	})
	require.NoError(testInstance, fetchError)
	require.Equal(testInstance, map[plumbing.ReferenceName]plumbing.Hash{
		testMainBranchConstant:    mainCommit,
		testFeatureBranchConstant: featureCommit,
	}, result.References)

	trackingValue, readError := downstream.ReadReference(context.Background(), plumbing.ReferenceName(downstream.RemoteTrackingReference(testFeatureBranchConstant)))
	require.NoError(testInstance, readError)
	require.Equal(testInstance, featureCommit, trackingValue)

	fetchedCommit, commitError := downstream.ReadCommit(context.Background(), featureCommit)
	require.NoError(testInstance, commitError)
	require.Equal(testInstance, []plumbing.Hash{mainCommit}, fetchedCommit.Parents)
}

func TestFetchPrunesTrackingOfDeletedBranches(testInstance *testing.T) {
	upstream := repositorytest.NewUpstream(testInstance)
	mainCommit := upstream.Commit(repositorytest.Files{"README.md": "main"})
	featureCommit := upstream.Commit(repositorytest.Files{"README.md": "main", "login.go": "package login"}, mainCommit)
	upstream.SetBranch(testMainBranchConstant, mainCommit)
	upstream.SetBranch(testFeatureBranchConstant, featureCommit)

	downstream := openDownstream(testInstance, upstream)
	_, firstFetchError := downstream.Fetch(context.Background(), nil)
	require.NoError(testInstance, firstFetchError)
	featureTracking := plumbing.ReferenceName(downstream.RemoteTrackingReference(testFeatureBranchConstant))
	tracked, _ := downstream.ReadReference(context.Background(), featureTracking)
	require.Equal(testInstance, featureCommit, tracked)

	upstream.DeleteBranch(testFeatureBranchConstant)
	result, secondFetchError := downstream.Fetch(context.Background(), nil)
	require.NoError(testInstance, secondFetchError)
	require.NotContains(testInstance, result.References, plumbing.ReferenceName(testFeatureBranchConstant))

	pruned, prunedError := downstream.ReadReference(context.Background(), featureTracking)
	require.NoError(testInstance, prunedError)
	require.True(testInstance, pruned.IsZero())
	remaining, listError := downstream.ListReferences(context.Background(), downstream.RemoteTrackingReference("refs/"))
	require.NoError(testInstance, listError)
	require.Equal(testInstance, map[plumbing.ReferenceName]plumbing.Hash{
		plumbing.ReferenceName(downstream.RemoteTrackingReference(testMainBranchConstant)): mainCommit,
	}, remaining)
}

func TestLocalAccessProceedsDuringSlowNetworkExchange(testInstance *testing.T) {
	requestArrived := make(chan struct{}, 1)
	releaseResponse := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case requestArrived <- struct{}{}:
		default:
		}
		<-releaseResponse
		http.NotFound(writer, request)
	}))
	defer server.Close()
	defer close(releaseResponse)

	downstream, openError := repository.Open(repository.Options{Source: server.URL + "/project.git", OperationTimeout: time.Minute})
	require.NoError(testInstance, openError)

	remoteDone := make(chan error, 1)
	go func() {
		_, remoteError := downstream.ReadRemoteReference(context.Background(), plumbing.ReferenceName(testMainBranchConstant))
		remoteDone <- remoteError
	}()
	select {
	case <-requestArrived:
	case <-time.After(10 * time.Second):
		testInstance.Fatal("remote exchange never started")
	}

	localDone := make(chan error, 1)
	go func() {
		blobHash, writeError := downstream.WriteBlob(context.Background(), []byte("local"))
		if writeError != nil {
			localDone <- writeError
			return
		}
		if swapError := downstream.CompareAndSwapReference(context.Background(), "refs/premerge/local", plumbing.ZeroHash, blobHash); swapError != nil {
			localDone <- swapError
			return
		}
		_, readError := downstream.ReadBlob(context.Background(), blobHash)
		localDone <- readError
	}()

	select {
	case localError := <-localDone:
		require.NoError(testInstance, localError)
	case <-time.After(5 * time.Second):
		testInstance.Fatal("local access blocked behind the network exchange")
	}

	select {
	case <-remoteDone:
		testInstance.Fatal("remote exchange finished before the response was released")
	default:
	}
}

func TestFetchFromEmptyRemoteReturnsNothing(testInstance *testing.T) {
	upstream := repositorytest.NewUpstream(testInstance)
	downstream := openDownstream(testInstance, upstream)

	result, fetchError := downstream.Fetch(context.Background(), nil)
	require.NoError(testInstance, fetchError)
	require.Empty(testInstance, result.References)
}

func TestFetchFromMissingRemoteIsTransient(testInstance *testing.T) {
	downstream, openError := repository.Open(repository.Options{Source: testInstance.TempDir() + "/missing.git"})
	require.NoError(testInstance, openError)

	_, fetchError := downstream.Fetch(context.Background(), nil)
	require.Error(testInstance, fetchError)
	require.True(testInstance, repository.IsTransient(fetchError))
}

func TestPushPublishesAndDetectsConflicts(testInstance *testing.T) {
	upstream := repositorytest.NewUpstream(testInstance)
	baseCommit := upstream.Commit(repositorytest.Files{"a.txt": "base"})
	upstream.SetBranch(testMainBranchConstant, baseCommit)

	downstream := openDownstream(testInstance, upstream)
	_, fetchError := downstream.Fetch(context.Background(), nil)
	require.NoError(testInstance, fetchError)

	outputReference := plumbing.ReferenceName("refs/premerge/main")
	require.NoError(testInstance, downstream.CompareAndSwapReference(context.Background(), outputReference, plumbing.ZeroHash, baseCommit))
	require.NoError(testInstance, downstream.Push(context.Background(), outputReference, plumbing.ZeroHash, baseCommit))

	remoteValue, remoteError := downstream.ReadRemoteReference(context.Background(), outputReference)
	require.NoError(testInstance, remoteError)
	require.Equal(testInstance, baseCommit, remoteValue)

	staleExpectation := plumbing.NewHash(strings.Repeat("2", 40))
	conflictError := downstream.Push(context.Background(), outputReference, staleExpectation, plumbing.ZeroHash)
	require.True(testInstance, repository.IsRefConflict(conflictError))

	require.NoError(testInstance, downstream.Push(context.Background(), outputReference, baseCommit, plumbing.ZeroHash))
	remoteValue, remoteError = downstream.ReadRemoteReference(context.Background(), outputReference)
	require.NoError(testInstance, remoteError)
	require.True(testInstance, remoteValue.IsZero())
}
