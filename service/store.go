/*
Copyright (C)  2018 Yahoo Japan Corporation Athenz team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package service

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/kpango/gache"
	"github.com/pkg/errors"
)

// TicketStore represents a durable keyed store of raw access tickets.
type TicketStore interface {
	// Load returns the stored bytes of key, and false when nothing is stored.
	Load(key string) ([]byte, bool, error)
	// Save stores data under key, replacing any previous value.
	Save(key string, data []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// memoryRetention is how long the memory store keeps an entry. It outlives any ticket WSAA grants.
const memoryRetention = 7 * 24 * time.Hour

// unsafeFileChars matches the characters not allowed in ticket file names.
var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type fileStore struct {
	dir string
}

// NewFileStore returns a TicketStore keeping one TA-<key>.xml file per key in dir.
func NewFileStore(dir string) (TicketStore, error) {
	if dir == "" {
		return nil, errors.Wrap(ErrInvalidSetting, "ticket cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrap(err, "cannot create ticket cache directory")
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) path(key string) string {
	return filepath.Join(f.dir, "TA-"+unsafeFileChars.ReplaceAllString(key, "_")+".xml")
}

func (f *fileStore) Load(key string) ([]byte, bool, error) {
	b, err := ioutil.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// Save writes to a temporary file first and renames it, so a concurrent Load never reads a partial ticket.
func (f *fileStore) Save(key string, data []byte) error {
	tmp, err := ioutil.TempFile(f.dir, ".TA-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err == nil {
		err = os.Rename(name, f.path(key))
	}
	if err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (f *fileStore) Delete(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type memoryStore struct {
	data gache.Gache
}

// NewMemoryStore returns a TicketStore living in process memory only.
func NewMemoryStore() TicketStore {
	return &memoryStore{
		data: gache.New(),
	}
}

func (m *memoryStore) Load(key string) ([]byte, bool, error) {
	v, ok := m.data.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *memoryStore) Save(key string, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	m.data.SetWithExpire(key, b, memoryRetention)
	return nil
}

func (m *memoryStore) Delete(key string) error {
	m.data.Delete(key)
	return nil
}
