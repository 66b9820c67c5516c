// Package catalog holds the in-memory file store. An entry is either present
// and complete or absent: blobs are published atomically after the full
// declared size arrived and are immutable afterwards, so downloads read them
// without locking.
package catalog

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/lanmeet/backend/model"
)

var (
	ErrNotFound = errors.New("file is not found")
	ErrNotOwner = errors.New("not authorized")
	ErrTooLarge = errors.New("file exceeds size limit")
)

type Catalog struct {
	mx      *sync.Mutex
	files   map[uint32]model.FileEntry
	maxSize int64
}

func New(maxSize int64) *Catalog {
	return &Catalog{
		mx:      &sync.Mutex{},
		files:   make(map[uint32]model.FileEntry),
		maxSize: maxSize,
	}
}

// CheckSize validates a declared upload size before any bytes are read.
func (c *Catalog) CheckSize(size int64) error {
	if size > c.maxSize {
		return ErrTooLarge
	}
	return nil
}

// Put publishes a completed entry. Callers must only pass entries whose
// blob matches the declared size.
func (c *Catalog) Put(f model.FileEntry) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.files[f.ID] = f
}

func (c *Catalog) Get(id uint32) (model.FileEntry, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	f, ok := c.files[id]
	return f, ok
}

// Delete removes an entry if the requester uploaded it.
func (c *Catalog) Delete(id, requester uint32) (model.FileEntry, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	f, ok := c.files[id]
	if !ok {
		return model.FileEntry{}, ErrNotFound
	}
	if f.UploaderID != requester {
		return model.FileEntry{}, ErrNotOwner
	}
	delete(c.files, id)
	return f, nil
}

// List returns the catalog ordered by file id.
func (c *Catalog) List() []model.FileEntry {
	c.mx.Lock()
	defer c.mx.Unlock()
	files := make([]model.FileEntry, 0, len(c.files))
	for _, f := range c.files {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ID < files[j].ID
	})
	return files
}

func (c *Catalog) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.files)
}

func (c *Catalog) MaxSize() int64 {
	return c.maxSize
}
