package state

import (
	"context"
	"fmt"
	"strings"
)

const (
	driverMemoryConstant                   = "memory"
	driverSQLiteConstant                   = "sqlite"
	driverReferencesConstant               = "refs"
	unsupportedDriverErrorTemplateConstant = "unsupported state driver %q"
)

// Store persists Merge Records keyed by topic reference. Upsert is atomic per
// key and implementations are safe for concurrent use across keys.
type Store interface {
	Get(executionContext context.Context, topicReference string) (Record, bool, error)
	Upsert(executionContext context.Context, record Record) error
	Remove(executionContext context.Context, topicReference string) error
	All(executionContext context.Context) ([]Record, error)
}

// Driver selects a Store implementation.
type Driver string

// Supported drivers.
const (
	DriverMemory     Driver = driverMemoryConstant
	DriverSQLite     Driver = driverSQLiteConstant
	DriverReferences Driver = driverReferencesConstant
)

// Options selects and configures a Store. Path applies to the sqlite driver;
// Namespace and the refs dependencies apply to the refs driver.
type Options struct {
	Driver     Driver
	Path       string
	Namespace  string
	References RefsStoreDependencies
}

// Open builds the Store named by options. Callers close stores implementing io.Closer.
func Open(options Options) (Store, error) {
	switch Driver(strings.ToLower(strings.TrimSpace(string(options.Driver)))) {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverSQLite:
		store, storeError := OpenSQLiteStore(options.Path)
		if storeError != nil {
			return nil, storeError
		}
		return store, nil
	case DriverReferences:
		store, storeError := NewRefsStore(options.References, options.Namespace)
		if storeError != nil {
			return nil, storeError
		}
		return store, nil
	default:
		return nil, fmt.Errorf(unsupportedDriverErrorTemplateConstant, options.Driver)
	}
}
