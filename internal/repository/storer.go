package repository

import (
	"sync"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage"
)

type storageInitializer interface {
	Init() error
}

// lockedStorer holds its lock for the duration of each storage call only, so a
// fetch streaming objects from the network never blocks readers for longer than
// one object write. Readers of the filesystem backend are exclusive because its
// pack index is loaded lazily.
type lockedStorer struct {
	storage.Storer
	mutex      *sync.RWMutex
	readLocker sync.Locker
}

func newLockedStorer(underlying storage.Storer, sharedReads bool) *lockedStorer {
	mutex := &sync.RWMutex{}
	readLocker := sync.Locker(mutex)
	if sharedReads {
		readLocker = mutex.RLocker()
	}
	return &lockedStorer{Storer: underlying, mutex: mutex, readLocker: readLocker}
}

func (locked *lockedStorer) Init() error {
	initializer, initializable := locked.Storer.(storageInitializer)
	if !initializable {
		return nil
	}
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return initializer.Init()
}

func (locked *lockedStorer) SetEncodedObject(encodedObject plumbing.EncodedObject) (plumbing.Hash, error) {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.SetEncodedObject(encodedObject)
}

func (locked *lockedStorer) EncodedObject(objectType plumbing.ObjectType, hash plumbing.Hash) (plumbing.EncodedObject, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.EncodedObject(objectType, hash)
}

func (locked *lockedStorer) IterEncodedObjects(objectType plumbing.ObjectType) (storer.EncodedObjectIter, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.IterEncodedObjects(objectType)
}

func (locked *lockedStorer) HasEncodedObject(hash plumbing.Hash) error {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.HasEncodedObject(hash)
}

func (locked *lockedStorer) EncodedObjectSize(hash plumbing.Hash) (int64, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.EncodedObjectSize(hash)
}

func (locked *lockedStorer) SetReference(reference *plumbing.Reference) error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.SetReference(reference)
}

func (locked *lockedStorer) CheckAndSetReference(newReference *plumbing.Reference, oldReference *plumbing.Reference) error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.CheckAndSetReference(newReference, oldReference)
}

func (locked *lockedStorer) Reference(name plumbing.ReferenceName) (*plumbing.Reference, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.Reference(name)
}

func (locked *lockedStorer) IterReferences() (storer.ReferenceIter, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.IterReferences()
}

func (locked *lockedStorer) RemoveReference(name plumbing.ReferenceName) error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.RemoveReference(name)
}

func (locked *lockedStorer) PackRefs() error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.PackRefs()
}

func (locked *lockedStorer) SetShallow(commits []plumbing.Hash) error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.SetShallow(commits)
}

func (locked *lockedStorer) Shallow() ([]plumbing.Hash, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.Shallow()
}

func (locked *lockedStorer) Config() (*config.Config, error) {
	locked.readLocker.Lock()
	defer locked.readLocker.Unlock()
	return locked.Storer.Config()
}

func (locked *lockedStorer) SetConfig(configuration *config.Config) error {
	locked.mutex.Lock()
	defer locked.mutex.Unlock()
	return locked.Storer.SetConfig(configuration)
}
