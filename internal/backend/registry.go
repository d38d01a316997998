package backend

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloner/internal/domain"
)

// Record is the backend's bookkeeping for one clone request.
type Record struct {
	ID          string
	URL         string
	Status      domain.Phase
	Message     string
	SubmittedAt time.Time
	CompletedAt time.Time
	ArtifactKey string
	Metadata    Metadata
	Error       string
}

// Metadata describes how a completed clone was produced.
type Metadata struct {
	OriginalURL string
	FinalURL    string
	ContentType string
	Method      string
}

// Registry keeps clone requests in memory for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record), now: time.Now}
}

// Create registers a pending request for targetURL.
func (r *Registry) Create(targetURL string) Record {
	rec := &Record{
		ID:          uuid.NewString(),
		URL:         targetURL,
		Status:      domain.PhasePending,
		SubmittedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	return *rec
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, domain.ErrNotFound
	}
	return *rec, nil
}

// Update mutates the record in place and returns the new copy.
func (r *Registry) Update(id string, fn func(*Record)) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, domain.ErrNotFound
	}
	fn(rec)
	if rec.Status.IsTerminal() && rec.CompletedAt.IsZero() {
		rec.CompletedAt = r.now().UTC()
	}
	return *rec, nil
}

// List returns every record, newest first.
func (r *Registry) List() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	return out
}
