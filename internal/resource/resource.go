// Package resource defines the units of profile data a backup is made of and
// the registry the backup service iterates over.
package resource

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"
)

// Undefined is the entry a resource returns when it has nothing to record.
// It differs from Null, which is recorded in the manifest as JSON null.
var (
	Undefined json.RawMessage
	Null      = json.RawMessage("null")
)

func IsUndefined(entry json.RawMessage) bool {
	return entry == nil
}

// Resource backs up and recovers one kind of profile data.
type Resource interface {
	Key() string
	// Priority orders backups: higher runs first.
	Priority() int
	// RequiresEncryption resources are skipped unless encryption is enabled.
	RequiresEncryption() bool

	// Backup copies the resource from profileDir into destDir and returns
	// its manifest entry.
	Backup(ctx context.Context, destDir, profileDir string, encryptionEnabled bool) (json.RawMessage, error)
	// Recover restores the resource from resourceDir into profileDir. The
	// returned value, when not Undefined, is handed to PostRecovery once
	// the recovered profile starts.
	Recover(ctx context.Context, entry json.RawMessage, resourceDir, profileDir string) (json.RawMessage, error)
	PostRecovery(ctx context.Context, entry json.RawMessage) error
	// Measure reports size information about the resource.
	Measure(ctx context.Context, profileDir string) (Measurement, error)
}

type Measurement struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Registry holds all registered resources
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
}

func NewRegistry(resources ...Resource) *Registry {
	r := &Registry{resources: make(map[string]Resource)}
	for _, res := range resources {
		r.Register(res)
	}
	return r
}

// Register adds a resource to the registry using its Key().
func (r *Registry) Register(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.Key()] = res
}

func (r *Registry) Get(key string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[key]
	return res, ok
}

// Sorted returns the resources by descending priority, ties broken by key.
func (r *Registry) Sorted() []Resource {
	r.mu.RLock()
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() > out[j].Priority()
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

func (r *Registry) Keys() []string {
	sorted := r.Sorted()
	keys := make([]string, len(sorted))
	for i, res := range sorted {
		keys[i] = res.Key()
	}
	return keys
}
