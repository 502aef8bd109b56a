package routing

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"errors"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/lab5e/ringfunk/pkg/funk/sharding"
	log "github.com/sirupsen/logrus"
)

var (
	directoryKey        = []byte("directory")
	directoryVersionKey = []byte("directory.version")
)

// The stable stores in the raft libraries report missing keys with this
// error message and no exported error value.
const notFound = "not found"

// DirectoryStore keeps the last published directory in a key/value store so
// the router can resume from it after a restart.
type DirectoryStore struct {
	store  raft.StableStore
	bolt   *raftboltdb.BoltStore
	mutex  *sync.Mutex
	latest uint64
	saved  bool
}

// NewDirectoryStore creates a directory store on top of a stable store.
func NewDirectoryStore(store raft.StableStore) *DirectoryStore {
	return &DirectoryStore{
		store: store,
		mutex: &sync.Mutex{},
	}
}

// OpenDirectoryStore opens (or creates) a BoltDB file for the directory
func OpenDirectoryStore(path string) (*DirectoryStore, error) {
	bolt, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, err
	}
	ret := NewDirectoryStore(bolt)
	ret.bolt = bolt
	return ret, nil
}

// Save writes the directory to the store. Versions older than the last
// saved version are ignored.
func (d *DirectoryStore) Save(dir *sharding.Directory) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.saved && dir.Version() <= d.latest {
		return nil
	}
	buf, err := dir.MarshalBinary()
	if err != nil {
		return err
	}
	if err := d.store.Set(directoryKey, buf); err != nil {
		return err
	}
	if err := d.store.SetUint64(directoryVersionKey, dir.Version()); err != nil {
		return err
	}
	d.latest = dir.Version()
	d.saved = true
	return nil
}

// Persist saves the directory and logs any errors. Use it as a publish hook
// on the table.
func (d *DirectoryStore) Persist(dir *sharding.Directory) {
	if err := d.Save(dir); err != nil {
		log.WithError(err).WithField("version", dir.Version()).Error("Unable to persist directory")
	}
}

// Load reads the last saved directory. If nothing has been saved it returns
// a nil directory and no error.
func (d *DirectoryStore) Load() (*sharding.Directory, error) {
	buf, err := d.store.Get(directoryKey)
	if err != nil {
		if err.Error() == notFound {
			return nil, nil
		}
		return nil, err
	}
	if len(buf) == 0 {
		return nil, nil
	}
	dir, err := sharding.UnmarshalDirectory(buf)
	if err != nil {
		return nil, err
	}
	ver, err := d.store.GetUint64(directoryVersionKey)
	if err == nil && ver != dir.Version() {
		return nil, errors.New("directory version does not match the stored version")
	}
	d.mutex.Lock()
	d.latest = dir.Version()
	d.saved = true
	d.mutex.Unlock()
	return dir, nil
}

// Close closes the underlying BoltDB file if the store was opened with
// OpenDirectoryStore.
func (d *DirectoryStore) Close() error {
	if d.bolt != nil {
		return d.bolt.Close()
	}
	return nil
}
