package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"go.uber.org/zap"
)

const (
	sourceRequiredMessageConstant        = "repository source must be provided"
	remoteNameRequiredMessageConstant    = "remote name must be provided"
	defaultRemoteNameConstant            = "origin"
	openRepositoryErrorTemplateConstant  = "unable to open repository at %s: %w"
	initRepositoryErrorTemplateConstant  = "unable to initialize repository at %s: %w"
	configureRemoteErrorTemplateConstant = "unable to configure remote %s: %w"
	repositoryOpenedMessageConstant      = "repository opened"
	repositoryInitializedMessageConstant = "repository initialized"
	logFieldCheckoutPathConstant         = "checkout_path"
	logFieldRemoteConstant               = "remote"
	logFieldSourceConstant               = "source"
	logFieldStorageConstant              = "storage"
	storageMemoryConstant                = "memory"
	storageFilesystemConstant            = "filesystem"
	remoteTrackingPrefixTemplateConstant = "refs/remotes/%s/upstream/"
	trackingReferenceTemplateConstant    = "%s%s"
	dotGitDirectoryConstant              = ".git"
)

// ErrSourceRequired indicates the upstream source was empty.
var ErrSourceRequired = errors.New(sourceRequiredMessageConstant)

// ErrRemoteNameRequired indicates the remote name was empty after defaults were applied.
var ErrRemoteNameRequired = errors.New(remoteNameRequiredMessageConstant)

// Options configures how the repository is opened.
type Options struct {
	// Source is the upstream URL or local path.
	Source string
	// CheckoutPath holds a bare repository on disk. Empty selects in-memory storage.
	CheckoutPath     string
	RemoteName       string
	Credentials      Credentials
	OperationTimeout time.Duration
	Logger           *zap.Logger
}

// Repository gives every reconciliation worker shared access to one go-git repository.
// Storage calls are locked individually; network exchanges are serialized on their own.
type Repository struct {
	referenceMutex   sync.Mutex
	transportMutex   sync.Mutex
	repository       *git.Repository
	source           string
	checkoutPath     string
	remoteName       string
	authentication   transport.AuthMethod
	operationTimeout time.Duration
	logger           *zap.Logger
}

// Open opens or creates the local store and points the configured remote at the source.
func Open(options Options) (*Repository, error) {
	trimmedSource := strings.TrimSpace(options.Source)
	if len(trimmedSource) == 0 {
		return nil, ErrSourceRequired
	}

	remoteName := strings.TrimSpace(options.RemoteName)
	if len(remoteName) == 0 {
		remoteName = defaultRemoteNameConstant
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	authentication, authenticationError := authenticationMethod(trimmedSource, options.Credentials)
	if authenticationError != nil {
		return nil, authenticationError
	}

	checkoutPath := strings.TrimSpace(options.CheckoutPath)
	gitRepository, openError := openStorage(checkoutPath, logger)
	if openError != nil {
		return nil, openError
	}

	if remoteError := ensureRemote(gitRepository, remoteName, trimmedSource); remoteError != nil {
		return nil, fmt.Errorf(configureRemoteErrorTemplateConstant, remoteName, remoteError)
	}

	storageKind := storageFilesystemConstant
	if len(checkoutPath) == 0 {
		storageKind = storageMemoryConstant
	}
	logger.Info(
		repositoryOpenedMessageConstant,
		zap.String(logFieldSourceConstant, trimmedSource),
		zap.String(logFieldRemoteConstant, remoteName),
		zap.String(logFieldStorageConstant, storageKind),
		zap.String(logFieldCheckoutPathConstant, checkoutPath),
	)

	return &Repository{
		repository:       gitRepository,
		source:           trimmedSource,
		checkoutPath:     checkoutPath,
		remoteName:       remoteName,
		authentication:   authentication,
		operationTimeout: options.OperationTimeout,
		logger:           logger,
	}, nil
}

// CheckoutPath reports the on-disk location of the store, empty for in-memory storage.
func (repository *Repository) CheckoutPath() string {
	return repository.checkoutPath
}

// RemoteName reports the name of the configured upstream remote.
func (repository *Repository) RemoteName() string {
	return repository.remoteName
}

// RemoteTrackingReference maps an upstream reference to its local tracking name,
// e.g. refs/heads/main becomes refs/remotes/origin/upstream/heads/main.
func (repository *Repository) RemoteTrackingReference(upstreamReference string) string {
	prefix := fmt.Sprintf(remoteTrackingPrefixTemplateConstant, repository.remoteName)
	return fmt.Sprintf(trackingReferenceTemplateConstant, prefix, strings.TrimPrefix(upstreamReference, referencesPrefixConstant))
}

func openStorage(checkoutPath string, logger *zap.Logger) (*git.Repository, error) {
	if len(checkoutPath) == 0 {
		return git.Init(newLockedStorer(memory.NewStorage(), true), nil)
	}

	gitDirectory := checkoutPath
	if information, statError := os.Stat(filepath.Join(checkoutPath, dotGitDirectoryConstant)); statError == nil && information.IsDir() {
		gitDirectory = filepath.Join(checkoutPath, dotGitDirectoryConstant)
	}
	lockedStorage := newLockedStorer(filesystem.NewStorage(osfs.New(gitDirectory), cache.NewObjectLRUDefault()), false)

	gitRepository, openError := git.Open(lockedStorage, nil)
	if openError == nil {
		return gitRepository, nil
	}
	if !errors.Is(openError, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf(openRepositoryErrorTemplateConstant, checkoutPath, openError)
	}

	gitRepository, initError := git.Init(lockedStorage, nil)
	if initError != nil {
		return nil, fmt.Errorf(initRepositoryErrorTemplateConstant, checkoutPath, initError)
	}
	logger.Info(repositoryInitializedMessageConstant, zap.String(logFieldCheckoutPathConstant, checkoutPath))
	return gitRepository, nil
}

func ensureRemote(gitRepository *git.Repository, remoteName string, source string) error {
	existingRemote, remoteError := gitRepository.Remote(remoteName)
	switch {
	case remoteError == nil:
		existingURLs := existingRemote.Config().URLs
		if len(existingURLs) == 1 && existingURLs[0] == source {
			return nil
		}
		if deleteError := gitRepository.DeleteRemote(remoteName); deleteError != nil {
			return deleteError
		}
	case !errors.Is(remoteError, git.ErrRemoteNotFound):
		return remoteError
	}

	_, createError := gitRepository.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{source}})
	return createError
}

func (repository *Repository) withTimeout(executionContext context.Context) (context.Context, context.CancelFunc) {
	if executionContext == nil {
		executionContext = context.Background()
	}
	if repository.operationTimeout <= 0 {
		return context.WithCancel(executionContext)
	}
	return context.WithTimeout(executionContext, repository.operationTimeout)
}
