// Package maintenance periodically compacts an on-disk object store so that
// objects written by discarded or superseded merges do not accumulate.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/temirov/premerge/internal/execshell"
)

const (
	defaultIntervalConstant              = time.Hour
	gitGarbageCollectSubcommandConstant  = "gc"
	gitAutoFlagConstant                  = "--auto"
	gitQuietFlagConstant                 = "--quiet"
	gitCountObjectsSubcommandConstant    = "count-objects"
	gitVerboseFlagConstant               = "-v"
	executorMissingMessageConstant       = "maintenance executor not configured"
	repositoryPathMissingMessageConstant = "maintenance requires an on-disk repository path"
	compactErrorTemplateConstant         = "compact object store: %w"
	countErrorTemplateConstant           = "count objects: %w"
	parseStatisticsErrorTemplateConstant = "parse object statistics: %w"
	maintenanceCompletedMessageConstant  = "object store maintenance completed"
	maintenanceFailedMessageConstant     = "object store maintenance failed"
	logFieldRepositoryPathConstant       = "repository_path"
	logFieldLooseObjectsConstant         = "loose_objects"
	logFieldPackedObjectsConstant        = "packed_objects"
	logFieldPacksConstant                = "packs"
	logFieldGarbageConstant              = "garbage"
)

// ErrExecutorNotConfigured indicates the service was built without a git executor.
var ErrExecutorNotConfigured = errors.New(executorMissingMessageConstant)

// ErrRepositoryPathRequired indicates maintenance was requested for an in-memory repository.
var ErrRepositoryPathRequired = errors.New(repositoryPathMissingMessageConstant)

// GitExecutor runs git subcommands.
type GitExecutor interface {
	ExecuteGit(executionContext context.Context, details execshell.CommandDetails) (execshell.ExecutionResult, error)
}

// Dependencies enumerates collaborators required by the Service.
type Dependencies struct {
	Executor GitExecutor
	Logger   *zap.Logger
}

// Options configures the maintained repository and the schedule.
type Options struct {
	RepositoryPath string
	Interval       time.Duration
}

// ObjectStatistics mirrors the output of git count-objects -v.
type ObjectStatistics struct {
	LooseObjects   int `yaml:"count"`
	LooseSizeKiB   int `yaml:"size"`
	PackedObjects  int `yaml:"in-pack"`
	Packs          int `yaml:"packs"`
	PackSizeKiB    int `yaml:"size-pack"`
	PrunePackable  int `yaml:"prune-packable"`
	Garbage        int `yaml:"garbage"`
	GarbageSizeKiB int `yaml:"size-garbage"`
}

// Service runs git housekeeping against one repository.
type Service struct {
	executor       GitExecutor
	logger         *zap.Logger
	repositoryPath string
	interval       time.Duration
}

// NewService validates dependencies and options.
func NewService(dependencies Dependencies, options Options) (*Service, error) {
	if dependencies.Executor == nil {
		return nil, ErrExecutorNotConfigured
	}
	repositoryPath := strings.TrimSpace(options.RepositoryPath)
	if len(repositoryPath) == 0 {
		return nil, ErrRepositoryPathRequired
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := options.Interval
	if interval <= 0 {
		interval = defaultIntervalConstant
	}

	return &Service{executor: dependencies.Executor, logger: logger, repositoryPath: repositoryPath, interval: interval}, nil
}

// RunOnce lets git decide whether the store needs compaction and reports the resulting object counts.
func (service *Service) RunOnce(executionContext context.Context) (ObjectStatistics, error) {
	_, compactError := service.executor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{gitGarbageCollectSubcommandConstant, gitAutoFlagConstant, gitQuietFlagConstant},
		WorkingDirectory: service.repositoryPath,
	})
	if compactError != nil {
		return ObjectStatistics{}, fmt.Errorf(compactErrorTemplateConstant, compactError)
	}

	countResult, countError := service.executor.ExecuteGit(executionContext, execshell.CommandDetails{
		Arguments:        []string{gitCountObjectsSubcommandConstant, gitVerboseFlagConstant},
		WorkingDirectory: service.repositoryPath,
	})
	if countError != nil {
		return ObjectStatistics{}, fmt.Errorf(countErrorTemplateConstant, countError)
	}

	statistics, parseError := ParseObjectStatistics(countResult.StandardOutput)
	if parseError != nil {
		return ObjectStatistics{}, parseError
	}

	service.logger.Info(
		maintenanceCompletedMessageConstant,
		zap.String(logFieldRepositoryPathConstant, service.repositoryPath),
		zap.Int(logFieldLooseObjectsConstant, statistics.LooseObjects),
		zap.Int(logFieldPackedObjectsConstant, statistics.PackedObjects),
		zap.Int(logFieldPacksConstant, statistics.Packs),
		zap.Int(logFieldGarbageConstant, statistics.Garbage),
	)
	return statistics, nil
}

// Run repeats RunOnce on the configured interval until the context ends. Failures are logged and retried on the next tick.
func (service *Service) Run(executionContext context.Context) error {
	ticker := time.NewTicker(service.interval)
	defer ticker.Stop()

	for {
		select {
		case <-executionContext.Done():
			return nil
		case <-ticker.C:
		}
		if _, maintenanceError := service.RunOnce(executionContext); maintenanceError != nil && executionContext.Err() == nil {
			service.logger.Warn(maintenanceFailedMessageConstant, zap.String(logFieldRepositoryPathConstant, service.repositoryPath), zap.Error(maintenanceError))
		}
	}
}

// ParseObjectStatistics decodes the "key: value" lines printed by git count-objects -v.
func ParseObjectStatistics(output string) (ObjectStatistics, error) {
	var statistics ObjectStatistics
	if decodeError := yaml.Unmarshal([]byte(output), &statistics); decodeError != nil {
		return ObjectStatistics{}, fmt.Errorf(parseStatisticsErrorTemplateConstant, decodeError)
	}
	return statistics, nil
}
