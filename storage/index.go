package storage

import (
	"sync"
	"time"
)

// Original is a stored source image. Immutable after creation; the id
// is derived from the content hash, so re-storing identical bytes
// yields the same Original.
type Original struct {
	// ID is the first 128 bits of the content sha256 in hex.
	ID string
	// Hash is the full content sha256 in hex.
	Hash string
	// Format is the sniffed source encoding: jpg, png, gif or webp.
	Format string
	Width  int
	Height int
	Size   int64
	// Path is the storage path relative to the root.
	Path      string
	CreatedAt time.Time
}

// Status is the terminal generation state of a derivative as recorded
// in the index. In-flight (pending) state lives only in the generation
// registry, never in the index.
type Status string

const (
	StatusReady           Status = "ready"
	StatusFailedTransient Status = "failed_transient"
	StatusFailedPermanent Status = "failed_permanent"
)

// Derivative is the recorded outcome for one variant key.
type Derivative struct {
	// Key is the canonical variant key string.
	Key        string
	OriginalID string
	Width      int
	Format     string
	// Path is the artifact path relative to the root, empty unless ready.
	Path   string
	Size   int64
	Status Status
	// Error holds the failure message when status is a failure.
	Error       string
	GeneratedAt time.Time
	FailedAt    time.Time
}

// Index is the metadata store for originals and derivatives. It maps
// ids to original records, source URLs to ids, and variant keys to
// generation outcomes.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// PutOriginal records an original, replacing any record with the
	// same id.
	PutOriginal(o Original) error
	// GetOriginal returns the record for the given id, if present.
	GetOriginal(id string) (Original, bool, error)
	// MapSourceURL remembers which original a fetched URL produced.
	// Many URLs may map to one original.
	MapSourceURL(url, originalID string) error
	// FindBySourceURL returns the original a URL was ingested as.
	FindBySourceURL(url string) (Original, bool, error)
	// PutDerivative records a generation outcome, replacing any
	// record with the same key.
	PutDerivative(d Derivative) error
	// GetDerivative returns the recorded outcome for a key, if any.
	GetDerivative(key string) (Derivative, bool, error)
	// DerivativesFor returns all recorded outcomes for an original.
	DerivativesFor(originalID string) ([]Derivative, error)
	Close() error
}

var (
	_ Index = MemIndex{}
	_ Index = SQLiteIndex{}
)

// MemIndex is an in-memory Index for tests and throwaway runs.
type MemIndex struct {
	mutex       *sync.RWMutex
	originals   map[string]Original
	urls        map[string]string
	derivatives map[string]Derivative
}

func NewMemIndex() MemIndex {
	return MemIndex{
		mutex:       &sync.RWMutex{},
		originals:   make(map[string]Original),
		urls:        make(map[string]string),
		derivatives: make(map[string]Derivative),
	}
}

func (m MemIndex) PutOriginal(o Original) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.originals[o.ID] = o
	return nil
}

func (m MemIndex) GetOriginal(id string) (Original, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	o, ok := m.originals[id]
	return o, ok, nil
}

func (m MemIndex) MapSourceURL(url, originalID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.urls[url] = originalID
	return nil
}

func (m MemIndex) FindBySourceURL(url string) (Original, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	id, ok := m.urls[url]
	if !ok {
		return Original{}, false, nil
	}
	o, ok := m.originals[id]
	return o, ok, nil
}

func (m MemIndex) PutDerivative(d Derivative) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.derivatives[d.Key] = d
	return nil
}

func (m MemIndex) GetDerivative(key string) (Derivative, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	d, ok := m.derivatives[key]
	return d, ok, nil
}

func (m MemIndex) DerivativesFor(originalID string) ([]Derivative, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ds := make([]Derivative, 0)
	for _, d := range m.derivatives {
		if d.OriginalID == originalID {
			ds = append(ds, d)
		}
	}
	return ds, nil
}

func (m MemIndex) Close() error {
	return nil
}
