package partition

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
)

// Count is the fixed number of logical partitions.
// Never changes after initial deployment; it is a capacity decision, not a scaling decision.
const Count = 256

// For returns the partition ID for a key.
// Stable and deterministic: the same key always maps to the same partition.
func For(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % Count)
}

// ForEntity returns the partition that owns an entity of a tenant.
func ForEntity(tenantID uuid.UUID, id entity.ID) int {
	return For(tenantID.String() + "/" + id.String())
}

// Resolver answers whether this node currently owns an entity for a queue.
type Resolver interface {
	IsMyPartition(queue string, tenantID uuid.UUID, id entity.ID) bool
}

// StaticResolver owns a configured set of partitions for every queue.
// An empty set means this node owns all partitions.
type StaticResolver struct {
	mu       sync.RWMutex
	assigned map[int]struct{}
}

// NewStaticResolver creates a resolver owning the given partitions.
func NewStaticResolver(assigned []int) *StaticResolver {
	r := &StaticResolver{}
	r.SetAssigned(assigned)
	return r
}

// SetAssigned replaces the owned partition set. Callers broadcast a partition change
// to the engine after calling it.
func (r *StaticResolver) SetAssigned(assigned []int) {
	set := make(map[int]struct{}, len(assigned))
	for _, p := range assigned {
		set[p] = struct{}{}
	}
	r.mu.Lock()
	r.assigned = set
	r.mu.Unlock()
}

// Assigned returns the owned partitions in order; nil means all.
func (r *StaticResolver) Assigned() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.assigned) == 0 {
		return nil
	}
	out := make([]int, 0, len(r.assigned))
	for p := range r.assigned {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (r *StaticResolver) IsMyPartition(_ string, tenantID uuid.UUID, id entity.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.assigned) == 0 {
		return true
	}
	_, ok := r.assigned[ForEntity(tenantID, id)]
	return ok
}
