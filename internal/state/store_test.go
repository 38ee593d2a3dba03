package state_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/temirov/premerge/internal/repository/repositorytest"
	"github.com/temirov/premerge/internal/state"
	"github.com/temirov/premerge/internal/synthesis"
)

const (
	testFeatureReferenceConstant = "refs/heads/feature"
	testOtherReferenceConstant   = "refs/heads/other"
)

var (
	testTopicCommit  = plumbing.NewHash("1111111111111111111111111111111111111111")
	testTargetCommit = plumbing.NewHash("2222222222222222222222222222222222222222")
	testMergeCommit  = plumbing.NewHash("3333333333333333333333333333333333333333")
	testUpdatedAt    = time.Date(2025, time.May, 1, 8, 30, 0, 0, time.UTC)
)

type storeFactory func(testInstance *testing.T) state.Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) state.Store {
			return state.NewMemoryStore()
		},
		"sqlite": func(testInstance *testing.T) state.Store {
			store, openError := state.OpenSQLiteStore(filepath.Join(testInstance.TempDir(), "state", "premerge.db"))
			require.NoError(testInstance, openError)
			testInstance.Cleanup(func() {
				require.NoError(testInstance, store.Close())
			})
			return store
		},
		"refs": func(testInstance *testing.T) state.Store {
			fixture := repositorytest.NewMemory(testInstance)
			store, openError := state.NewRefsStore(state.RefsStoreDependencies{References: fixture.Repository}, "premerge")
			require.NoError(testInstance, openError)
			return store
		},
	}
}

func cleanRecord(topicReference string) state.Record {
	return state.Record{
		TopicReference:  topicReference,
		TopicCommit:     testTopicCommit,
		TargetCommit:    testTargetCommit,
		MergeCommit:     testMergeCommit,
		PublishedCommit: testMergeCommit,
		Status:          state.StatusClean,
		LastUpdated:     testUpdatedAt,
	}
}

func TestStoreContract(testInstance *testing.T) {
	for storeName, factory := range storeFactories() {
		testInstance.Run(storeName, func(testInstance *testing.T) {
			executionContext := context.Background()
			store := factory(testInstance)

			_, found, getError := store.Get(executionContext, testFeatureReferenceConstant)
			require.NoError(testInstance, getError)
			require.False(testInstance, found)

			require.NoError(testInstance, store.Upsert(executionContext, cleanRecord(testFeatureReferenceConstant)))
			stored, found, getError := store.Get(executionContext, testFeatureReferenceConstant)
			require.NoError(testInstance, getError)
			require.True(testInstance, found)
			require.Equal(testInstance, cleanRecord(testFeatureReferenceConstant), stored)

			conflicted := state.Record{
				TopicReference: testFeatureReferenceConstant,
				TopicCommit:    testTopicCommit,
				TargetCommit:   testTargetCommit,
				Status:         state.StatusConflicted,
				Conflicts:      []synthesis.Conflict{{Path: "a.txt", Reason: synthesis.ContentConflict}},
				LastUpdated:    testUpdatedAt.Add(time.Minute),
			}
			require.NoError(testInstance, store.Upsert(executionContext, conflicted))
			stored, _, getError = store.Get(executionContext, testFeatureReferenceConstant)
			require.NoError(testInstance, getError)
			require.Equal(testInstance, conflicted, stored)

			require.NoError(testInstance, store.Upsert(executionContext, cleanRecord(testOtherReferenceConstant)))
			all, allError := store.All(executionContext)
			require.NoError(testInstance, allError)
			require.Len(testInstance, all, 2)
			require.Equal(testInstance, testFeatureReferenceConstant, all[0].TopicReference)
			require.Equal(testInstance, testOtherReferenceConstant, all[1].TopicReference)

			require.NoError(testInstance, store.Remove(executionContext, testFeatureReferenceConstant))
			require.NoError(testInstance, store.Remove(executionContext, testFeatureReferenceConstant))
			_, found, getError = store.Get(executionContext, testFeatureReferenceConstant)
			require.NoError(testInstance, getError)
			require.False(testInstance, found)
		})
	}
}

func TestStoreRejectsInvariantViolations(testInstance *testing.T) {
	testCases := []struct {
		name          string
		record        state.Record
		expectedError error
	}{
		{
			name:          "missing_key",
			record:        state.Record{Status: state.StatusError},
			expectedError: state.ErrTopicReferenceRequired,
		},
		{
			name:          "clean_without_merge_commit",
			record:        state.Record{TopicReference: testFeatureReferenceConstant, Status: state.StatusClean},
			expectedError: state.ErrMergeCommitInvariant,
		},
		{
			name:          "conflicted_with_merge_commit",
			record:        state.Record{TopicReference: testFeatureReferenceConstant, Status: state.StatusConflicted, MergeCommit: testMergeCommit},
			expectedError: state.ErrMergeCommitInvariant,
		},
		{
			name:          "unknown_status",
			record:        state.Record{TopicReference: testFeatureReferenceConstant, Status: "pending"},
			expectedError: state.ErrUnknownStatus,
		},
	}

	for storeName, factory := range storeFactories() {
		for _, testCase := range testCases {
			testInstance.Run(fmt.Sprintf("%s_%s", storeName, testCase.name), func(testInstance *testing.T) {
				store := factory(testInstance)
				require.ErrorIs(testInstance, store.Upsert(context.Background(), testCase.record), testCase.expectedError)
			})
		}
	}
}

func TestStoreConcurrentUpsertsAcrossKeys(testInstance *testing.T) {
	for storeName, factory := range storeFactories() {
		testInstance.Run(storeName, func(testInstance *testing.T) {
			store := factory(testInstance)
			var waitGroup sync.WaitGroup
			for index := 0; index < 16; index++ {
				waitGroup.Add(1)
				go func(index int) {
					defer waitGroup.Done()
					require.NoError(testInstance, store.Upsert(context.Background(), cleanRecord(fmt.Sprintf("refs/heads/topic-%02d", index))))
				}(index)
			}
			waitGroup.Wait()

			all, allError := store.All(context.Background())
			require.NoError(testInstance, allError)
			require.Len(testInstance, all, 16)
		})
	}
}

func TestMemoryStoreReturnsCopies(testInstance *testing.T) {
	store := state.NewMemoryStore()
	record := state.Record{
		TopicReference: testFeatureReferenceConstant,
		Status:         state.StatusConflicted,
		Conflicts:      []synthesis.Conflict{{Path: "a", Reason: synthesis.ContentConflict}},
	}
	require.NoError(testInstance, store.Upsert(context.Background(), record))
	record.Conflicts[0].Path = "mutated"

	stored, _, _ := store.Get(context.Background(), testFeatureReferenceConstant)
	require.Equal(testInstance, "a", stored.Conflicts[0].Path)
}

func TestSQLiteStorePersistsAcrossReopen(testInstance *testing.T) {
	databasePath := filepath.Join(testInstance.TempDir(), "premerge.db")
	store, openError := state.OpenSQLiteStore(databasePath)
	require.NoError(testInstance, openError)
	require.NoError(testInstance, store.Upsert(context.Background(), cleanRecord(testFeatureReferenceConstant)))
	require.NoError(testInstance, store.Close())

	reopened, reopenError := state.OpenSQLiteStore(databasePath)
	require.NoError(testInstance, reopenError)
	defer reopened.Close()

	stored, found, getError := reopened.Get(context.Background(), testFeatureReferenceConstant)
	require.NoError(testInstance, getError)
	require.True(testInstance, found)
	require.Equal(testInstance, cleanRecord(testFeatureReferenceConstant), stored)
}

func TestOpenSelectsDriver(testInstance *testing.T) {
	memoryStore, memoryError := state.Open(state.Options{})
	require.NoError(testInstance, memoryError)
	require.IsType(testInstance, &state.MemoryStore{}, memoryStore)

	_, sqliteError := state.Open(state.Options{Driver: state.DriverSQLite})
	require.ErrorIs(testInstance, sqliteError, state.ErrSQLitePathRequired)

	_, referencesError := state.Open(state.Options{Driver: state.DriverReferences})
	require.ErrorIs(testInstance, referencesError, state.ErrReferencesBackendNotConfigured)

	_, unknownError := state.Open(state.Options{Driver: "postgres"})
	require.Error(testInstance, unknownError)
}
