package state

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	_ "modernc.org/sqlite"

	"github.com/temirov/premerge/internal/synthesis"
)

//go:embed schema.sql
var schemaStatements string

const (
	sqliteDriverNameConstant             = "sqlite"
	sqlitePathRequiredMessageConstant    = "sqlite state path must be provided"
	schemaVersionConstant                = 1
	directoryPermissionsConstant         = 0o755
	createDirectoryErrorTemplateConstant = "unable to create state directory %s: %w"
	openDatabaseErrorTemplateConstant    = "unable to open state database %s: %w"
	pragmaErrorTemplateConstant          = "unable to apply %s: %w"
	migrationErrorTemplateConstant       = "unable to migrate state database: %w"
	queryErrorTemplateConstant           = "state query failed: %w"
	decodeConflictsErrorTemplateConstant = "unable to decode conflicts of %s: %w"
	encodeConflictsErrorTemplateConstant = "unable to encode conflicts of %s: %w"
	userVersionPragmaConstant            = "PRAGMA user_version"
	setUserVersionTemplateConstant       = "PRAGMA user_version = %d"
	selectColumnsConstant                = "SELECT topic_ref, topic_commit, target_commit, merge_commit, published_commit, status, conflicts, error_message, last_updated FROM merge_records"
	selectByTopicQueryConstant           = selectColumnsConstant + " WHERE topic_ref = ?"
	selectAllQueryConstant               = selectColumnsConstant + " ORDER BY topic_ref"
	deleteQueryConstant                  = "DELETE FROM merge_records WHERE topic_ref = ?"
)

const upsertQueryConstant = `INSERT INTO merge_records (topic_ref, topic_commit, target_commit, merge_commit, published_commit, status, conflicts, error_message, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(topic_ref) DO UPDATE SET
	topic_commit = excluded.topic_commit,
	target_commit = excluded.target_commit,
	merge_commit = excluded.merge_commit,
	published_commit = excluded.published_commit,
	status = excluded.status,
	conflicts = excluded.conflicts,
	error_message = excluded.error_message,
	last_updated = excluded.last_updated`

var connectionPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// ErrSQLitePathRequired indicates the sqlite driver was selected without a database path.
var ErrSQLitePathRequired = errors.New(sqlitePathRequiredMessageConstant)

// SQLiteStore persists records in a single-writer SQLite database.
type SQLiteStore struct {
	database *sql.DB
	path     string
}

// OpenSQLiteStore opens or creates the database at databasePath and migrates its schema.
func OpenSQLiteStore(databasePath string) (*SQLiteStore, error) {
	trimmedPath := strings.TrimSpace(databasePath)
	if len(trimmedPath) == 0 {
		return nil, ErrSQLitePathRequired
	}

	if directoryError := os.MkdirAll(filepath.Dir(trimmedPath), directoryPermissionsConstant); directoryError != nil {
		return nil, fmt.Errorf(createDirectoryErrorTemplateConstant, filepath.Dir(trimmedPath), directoryError)
	}

	database, openError := sql.Open(sqliteDriverNameConstant, trimmedPath)
	if openError != nil {
		return nil, fmt.Errorf(openDatabaseErrorTemplateConstant, trimmedPath, openError)
	}
	database.SetMaxOpenConns(1)

	for _, pragma := range connectionPragmas {
		if _, pragmaError := database.Exec(pragma); pragmaError != nil {
			_ = database.Close()
			return nil, fmt.Errorf(pragmaErrorTemplateConstant, pragma, pragmaError)
		}
	}

	store := &SQLiteStore{database: database, path: trimmedPath}
	if migrationError := store.migrate(); migrationError != nil {
		_ = database.Close()
		return nil, fmt.Errorf(migrationErrorTemplateConstant, migrationError)
	}
	return store, nil
}

// Close releases the database handle.
func (store *SQLiteStore) Close() error {
	return store.database.Close()
}

// Path reports the database file location.
func (store *SQLiteStore) Path() string {
	return store.path
}

// Get returns the record for topicReference.
func (store *SQLiteStore) Get(executionContext context.Context, topicReference string) (Record, bool, error) {
	row := store.database.QueryRowContext(executionContext, selectByTopicQueryConstant, topicReference)
	record, scanError := scanRecord(row)
	if errors.Is(scanError, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if scanError != nil {
		return Record{}, false, scanError
	}
	return record, true, nil
}

// Upsert validates and writes record in a single statement.
func (store *SQLiteStore) Upsert(executionContext context.Context, record Record) error {
	if validationError := record.Validate(); validationError != nil {
		return validationError
	}

	conflicts := record.Conflicts
	if conflicts == nil {
		conflicts = []synthesis.Conflict{}
	}
	encodedConflicts, encodeError := json.Marshal(conflicts)
	if encodeError != nil {
		return fmt.Errorf(encodeConflictsErrorTemplateConstant, record.TopicReference, encodeError)
	}

	_, execError := store.database.ExecContext(
		executionContext,
		upsertQueryConstant,
		record.TopicReference,
		encodeHash(record.TopicCommit),
		encodeHash(record.TargetCommit),
		encodeHash(record.MergeCommit),
		encodeHash(record.PublishedCommit),
		string(record.Status),
		string(encodedConflicts),
		record.ErrorMessage,
		record.LastUpdated.UTC().UnixNano(),
	)
	if execError != nil {
		return fmt.Errorf(queryErrorTemplateConstant, execError)
	}
	return nil
}

// Remove deletes the record for topicReference if present.
func (store *SQLiteStore) Remove(executionContext context.Context, topicReference string) error {
	if _, execError := store.database.ExecContext(executionContext, deleteQueryConstant, topicReference); execError != nil {
		return fmt.Errorf(queryErrorTemplateConstant, execError)
	}
	return nil
}

// All returns every record ordered by topic reference.
func (store *SQLiteStore) All(executionContext context.Context) ([]Record, error) {
	rows, queryError := store.database.QueryContext(executionContext, selectAllQueryConstant)
	if queryError != nil {
		return nil, fmt.Errorf(queryErrorTemplateConstant, queryError)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, scanError := scanRecord(rows)
		if scanError != nil {
			return nil, scanError
		}
		records = append(records, record)
	}
	if rowsError := rows.Err(); rowsError != nil {
		return nil, fmt.Errorf(queryErrorTemplateConstant, rowsError)
	}
	return records, nil
}

func (store *SQLiteStore) migrate() error {
	var currentVersion int
	if versionError := store.database.QueryRow(userVersionPragmaConstant).Scan(&currentVersion); versionError != nil {
		return versionError
	}
	if currentVersion >= schemaVersionConstant {
		return nil
	}
	if _, schemaError := store.database.Exec(schemaStatements); schemaError != nil {
		return schemaError
	}
	_, versionError := store.database.Exec(fmt.Sprintf(setUserVersionTemplateConstant, schemaVersionConstant))
	return versionError
}

type rowScanner interface {
	Scan(destinations ...any) error
}

func scanRecord(scanner rowScanner) (Record, error) {
	var (
		topicReference  string
		topicCommit     string
		targetCommit    string
		mergeCommit     string
		publishedCommit string
		status          string
		conflicts       string
		errorMessage    string
		lastUpdated     int64
	)
	scanError := scanner.Scan(&topicReference, &topicCommit, &targetCommit, &mergeCommit, &publishedCommit, &status, &conflicts, &errorMessage, &lastUpdated)
	if scanError != nil {
		if errors.Is(scanError, sql.ErrNoRows) {
			return Record{}, scanError
		}
		return Record{}, fmt.Errorf(queryErrorTemplateConstant, scanError)
	}

	var decodedConflicts []synthesis.Conflict
	if decodeError := json.Unmarshal([]byte(conflicts), &decodedConflicts); decodeError != nil {
		return Record{}, fmt.Errorf(decodeConflictsErrorTemplateConstant, topicReference, decodeError)
	}
	if len(decodedConflicts) == 0 {
		decodedConflicts = nil
	}

	return Record{
		TopicReference:  topicReference,
		TopicCommit:     decodeHash(topicCommit),
		TargetCommit:    decodeHash(targetCommit),
		MergeCommit:     decodeHash(mergeCommit),
		PublishedCommit: decodeHash(publishedCommit),
		Status:          Status(status),
		Conflicts:       decodedConflicts,
		ErrorMessage:    errorMessage,
		LastUpdated:     time.Unix(0, lastUpdated).UTC(),
	}, nil
}

func encodeHash(hash plumbing.Hash) string {
	if hash.IsZero() {
		return ""
	}
	return hash.String()
}

func decodeHash(encoded string) plumbing.Hash {
	if len(encoded) == 0 {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(encoded)
}
