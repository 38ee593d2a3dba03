package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/temirov/premerge/internal/publish"
	"github.com/temirov/premerge/internal/repository"
	"github.com/temirov/premerge/internal/synthesis"
)

const (
	referencesBackendMissingMessageConstant = "reference backend not configured"
	stateNamespaceSuffixConstant            = "-state"
	stateReferencePrefixTemplateConstant    = "refs/%s/"
	maxSwapAttemptsConstant                 = 5
	stateReferenceErrorTemplateConstant     = "unable to map %s to a state reference: %w"
	encodeRecordErrorTemplateConstant       = "unable to encode record of %s: %w"
	decodeRecordErrorTemplateConstant       = "unable to decode record at %s: %w"
	readRecordErrorTemplateConstant         = "unable to read record at %s: %w"
	writeRecordErrorTemplateConstant        = "unable to write record at %s: %w"
	listRecordsErrorTemplateConstant        = "unable to list records: %w"
	recordPushFailedMessageConstant         = "state reference push failed"
	recordPushedMessageConstant             = "state reference pushed"
	logFieldStateReferenceConstant          = "state_ref"
)

// ErrReferencesBackendNotConfigured indicates the refs driver was selected without a repository.
var ErrReferencesBackendNotConfigured = errors.New(referencesBackendMissingMessageConstant)

// ReferenceBackend is the slice of the repository accessor the refs driver stores records through.
type ReferenceBackend interface {
	ReadReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error)
	ListReferences(executionContext context.Context, prefix string) (map[plumbing.ReferenceName]plumbing.Hash, error)
	CompareAndSwapReference(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error
	WriteBlob(executionContext context.Context, content []byte) (plumbing.Hash, error)
	ReadBlob(executionContext context.Context, hash plumbing.Hash) ([]byte, error)
}

// RemoteReferences mirrors state references to the remote.
type RemoteReferences interface {
	ReadRemoteReference(executionContext context.Context, reference plumbing.ReferenceName) (plumbing.Hash, error)
	Push(executionContext context.Context, reference plumbing.ReferenceName, expectedOld plumbing.Hash, newValue plumbing.Hash) error
}

// RefsStoreDependencies supplies the collaborators of a RefsStore. A nil Remote keeps records local.
type RefsStoreDependencies struct {
	References ReferenceBackend
	Remote     RemoteReferences
	Logger     *zap.Logger
}

// RefsStore keeps every record as a JSON blob under refs/<namespace>-state/<topic>,
// so the merge state travels with the repository itself.
type RefsStore struct {
	references ReferenceBackend
	remote     RemoteReferences
	logger     *zap.Logger
	namespace  string
}

type recordDocument struct {
	TopicReference  string               `json:"topic_ref"`
	TopicCommit     string               `json:"topic_commit,omitempty"`
	TargetCommit    string               `json:"target_commit,omitempty"`
	MergeCommit     string               `json:"merge_commit,omitempty"`
	PublishedCommit string               `json:"published_commit,omitempty"`
	Status          Status               `json:"status"`
	Conflicts       []synthesis.Conflict `json:"conflicts,omitempty"`
	ErrorMessage    string               `json:"error_message,omitempty"`
	LastUpdated     int64                `json:"last_updated"`
}

// NewRefsStore validates dependencies and derives the state namespace from outputNamespace.
func NewRefsStore(dependencies RefsStoreDependencies, outputNamespace string) (*RefsStore, error) {
	if dependencies.References == nil {
		return nil, ErrReferencesBackendNotConfigured
	}

	namespace := strings.Trim(strings.TrimSpace(outputNamespace), "/") + stateNamespaceSuffixConstant
	if namespaceError := publish.ValidateNamespace(namespace); namespaceError != nil {
		return nil, namespaceError
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RefsStore{references: dependencies.References, remote: dependencies.Remote, logger: logger, namespace: namespace}, nil
}

// Namespace reports the reference namespace holding the records, such as premerge-state.
func (store *RefsStore) Namespace() string {
	return store.namespace
}

// Reference returns the state reference holding the record of topicReference.
func (store *RefsStore) Reference(topicReference string) (plumbing.ReferenceName, error) {
	stateReference, mappingError := publish.OutputReference(store.namespace, topicReference)
	if mappingError != nil {
		return "", fmt.Errorf(stateReferenceErrorTemplateConstant, topicReference, mappingError)
	}
	return stateReference, nil
}

// Get returns the record for topicReference.
func (store *RefsStore) Get(executionContext context.Context, topicReference string) (Record, bool, error) {
	stateReference, mappingError := store.Reference(topicReference)
	if mappingError != nil {
		return Record{}, false, mappingError
	}

	blobHash, readError := store.references.ReadReference(executionContext, stateReference)
	if readError != nil {
		return Record{}, false, fmt.Errorf(readRecordErrorTemplateConstant, stateReference, readError)
	}
	if blobHash.IsZero() {
		return Record{}, false, nil
	}

	record, decodeError := store.decode(executionContext, stateReference, blobHash)
	if decodeError != nil {
		return Record{}, false, decodeError
	}
	// Distinct topics may sanitize to the same reference.
	if record.TopicReference != topicReference {
		return Record{}, false, nil
	}
	return record, true, nil
}

// Upsert validates record, writes it as a blob, and moves the state reference onto it.
func (store *RefsStore) Upsert(executionContext context.Context, record Record) error {
	if validationError := record.Validate(); validationError != nil {
		return validationError
	}
	stateReference, mappingError := store.Reference(record.TopicReference)
	if mappingError != nil {
		return mappingError
	}

	content, encodeError := json.Marshal(documentFromRecord(record))
	if encodeError != nil {
		return fmt.Errorf(encodeRecordErrorTemplateConstant, record.TopicReference, encodeError)
	}
	blobHash, writeError := store.references.WriteBlob(executionContext, content)
	if writeError != nil {
		return fmt.Errorf(writeRecordErrorTemplateConstant, stateReference, writeError)
	}

	if swapError := store.swap(executionContext, stateReference, blobHash); swapError != nil {
		return swapError
	}
	store.push(executionContext, stateReference, blobHash)
	return nil
}

// Remove deletes the state reference of topicReference if present.
func (store *RefsStore) Remove(executionContext context.Context, topicReference string) error {
	stateReference, mappingError := store.Reference(topicReference)
	if mappingError != nil {
		return mappingError
	}
	if swapError := store.swap(executionContext, stateReference, plumbing.ZeroHash); swapError != nil {
		return swapError
	}
	store.push(executionContext, stateReference, plumbing.ZeroHash)
	return nil
}

// All returns every record ordered by topic reference.
func (store *RefsStore) All(executionContext context.Context) ([]Record, error) {
	stateReferences, listError := store.references.ListReferences(executionContext, fmt.Sprintf(stateReferencePrefixTemplateConstant, store.namespace))
	if listError != nil {
		return nil, fmt.Errorf(listRecordsErrorTemplateConstant, listError)
	}

	records := make([]Record, 0, len(stateReferences))
	for stateReference, blobHash := range stateReferences {
		record, decodeError := store.decode(executionContext, stateReference, blobHash)
		if decodeError != nil {
			return nil, decodeError
		}
		records = append(records, record)
	}
	sort.Slice(records, func(left int, right int) bool {
		return records[left].TopicReference < records[right].TopicReference
	})
	return records, nil
}

// swap moves stateReference to value, re-reading the current value after a lost race.
func (store *RefsStore) swap(executionContext context.Context, stateReference plumbing.ReferenceName, value plumbing.Hash) error {
	var swapError error
	for attempt := 0; attempt < maxSwapAttemptsConstant; attempt++ {
		current, readError := store.references.ReadReference(executionContext, stateReference)
		if readError != nil {
			return fmt.Errorf(readRecordErrorTemplateConstant, stateReference, readError)
		}
		if current == value {
			return nil
		}
		swapError = store.references.CompareAndSwapReference(executionContext, stateReference, current, value)
		if swapError == nil || !repository.IsRefConflict(swapError) {
			break
		}
	}
	if swapError != nil {
		return fmt.Errorf(writeRecordErrorTemplateConstant, stateReference, swapError)
	}
	return nil
}

// push mirrors the local state reference upstream. Failures are logged and the
// next write of the same topic pushes again from the freshly read remote value.
func (store *RefsStore) push(executionContext context.Context, stateReference plumbing.ReferenceName, value plumbing.Hash) {
	if store.remote == nil {
		return
	}
	remoteValue, readError := store.remote.ReadRemoteReference(executionContext, stateReference)
	if readError == nil {
		readError = store.remote.Push(executionContext, stateReference, remoteValue, value)
	}
	if readError != nil {
		store.logger.Warn(recordPushFailedMessageConstant, zap.String(logFieldStateReferenceConstant, stateReference.String()), zap.Error(readError))
		return
	}
	store.logger.Debug(recordPushedMessageConstant, zap.String(logFieldStateReferenceConstant, stateReference.String()))
}

func (store *RefsStore) decode(executionContext context.Context, stateReference plumbing.ReferenceName, blobHash plumbing.Hash) (Record, error) {
	content, readError := store.references.ReadBlob(executionContext, blobHash)
	if readError != nil {
		return Record{}, fmt.Errorf(readRecordErrorTemplateConstant, stateReference, readError)
	}
	var document recordDocument
	if decodeError := json.Unmarshal(content, &document); decodeError != nil {
		return Record{}, fmt.Errorf(decodeRecordErrorTemplateConstant, stateReference, decodeError)
	}
	return document.record(), nil
}

func documentFromRecord(record Record) recordDocument {
	return recordDocument{
		TopicReference:  record.TopicReference,
		TopicCommit:     encodeHash(record.TopicCommit),
		TargetCommit:    encodeHash(record.TargetCommit),
		MergeCommit:     encodeHash(record.MergeCommit),
		PublishedCommit: encodeHash(record.PublishedCommit),
		Status:          record.Status,
		Conflicts:       record.Conflicts,
		ErrorMessage:    record.ErrorMessage,
		LastUpdated:     record.LastUpdated.UTC().UnixNano(),
	}
}

func (document recordDocument) record() Record {
	var conflicts []synthesis.Conflict
	if len(document.Conflicts) > 0 {
		conflicts = document.Conflicts
	}
	return Record{
		TopicReference:  document.TopicReference,
		TopicCommit:     decodeHash(document.TopicCommit),
		TargetCommit:    decodeHash(document.TargetCommit),
		MergeCommit:     decodeHash(document.MergeCommit),
		PublishedCommit: decodeHash(document.PublishedCommit),
		Status:          document.Status,
		Conflicts:       conflicts,
		ErrorMessage:    document.ErrorMessage,
		LastUpdated:     time.Unix(0, document.LastUpdated).UTC(),
	}
}
