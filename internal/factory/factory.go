// Package factory is the model catalogue: it knows every node model, its
// capability flags, and owns the per-thread arenas node storage comes from.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/model"
)

// SiblingContainerName is the name of the reserved model id 0.
const SiblingContainerName = "siblingcontainer"

var (
	// ErrModelExists indicates a model name is already registered.
	ErrModelExists = errors.New("model already registered")
	// ErrInvalidModel indicates a model definition failed validation.
	ErrInvalidModel = errors.New("invalid model")
)

// Model is a node type: allocation plus capability metadata.
type Model struct {
	Name string

	// HasProxies models are placed on exactly one VP; other processes see
	// proxies for them.
	HasProxies bool
	// PotentialGlobalReceiver models go to recording processes when any
	// exist.
	PotentialGlobalReceiver bool
	// OnePerProcess proxy-less models get exactly one instance per process
	// on thread 0 instead of one per thread.
	OnePerProcess bool
	// OffGrid models emit precisely timed events.
	OffGrid bool
	// Deprecated models warn once when created.
	Deprecated bool

	// New builds the behaviour of a fresh instance.
	New func() model.Dynamics

	id       model.ModelID
	pools    []pool
	warnOnce sync.Once
}

// ID is the model id assigned at registration.
func (m *Model) ID() model.ModelID { return m.id }

// Allocate hands out a fresh node from thread t's arena. Each thread's
// arena must only be used by one goroutine at a time.
func (m *Model) Allocate(t int) *model.Node {
	n := m.pools[t].alloc()
	n.Reset(m.New())
	n.SetModelID(m.id)
	return n
}

// ReserveAdditional makes room for n more instances on thread t.
func (m *Model) ReserveAdditional(t, n int) { m.pools[t].reserve(n) }

// Destruct runs the destructor of n in place; the storage stays with the
// arena until Clear.
func (m *Model) Destruct(n *model.Node) {
	n.Destruct()
	p := &m.pools[n.Thread()]
	if p.live > 0 {
		p.live--
	}
}

// NumAllocated is the number of live instances on thread t.
func (m *Model) NumAllocated(t int) int { return m.pools[t].live }

// Capacity is the arena size on thread t.
func (m *Model) Capacity(t int) int { return m.pools[t].capacity() }

// DeprecationWarning logs once per model if it is deprecated.
func (m *Model) DeprecationWarning(ctx context.Context, log logging.Logger, caller string) {
	if !m.Deprecated {
		return
	}
	m.warnOnce.Do(func() {
		log.Warn(ctx, "model is deprecated and will be removed in a future version",
			logging.String("model", m.Name),
			logging.String("caller", caller),
		)
	})
}

func (m *Model) clear() {
	for i := range m.pools {
		m.pools[i].clear()
	}
}

// Registry holds the registered models. Model id 0 is the sibling
// container pseudo model.
type Registry struct {
	mu      sync.RWMutex
	threads int
	models  []*Model
	byName  map[string]model.ModelID
}

// NewRegistry creates a catalogue for processes running threads threads.
func NewRegistry(threads int) *Registry {
	r := &Registry{
		threads: threads,
		byName:  make(map[string]model.ModelID),
	}
	// Cannot fail: the catalogue is empty and the definition is valid.
	_, _ = r.Register(&Model{
		Name: SiblingContainerName,
		New:  func() model.Dynamics { return model.BaseDynamics{} },
	})
	return r
}

// Register adds m to the catalogue and returns its id.
func (r *Registry) Register(m *Model) (model.ModelID, error) {
	if m == nil || m.Name == "" || m.New == nil {
		return 0, fmt.Errorf("%w: a model needs a name and a constructor", ErrInvalidModel)
	}
	if m.OnePerProcess && m.HasProxies {
		return 0, fmt.Errorf("%w: %s: one-per-process models cannot have proxies", ErrInvalidModel, m.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[m.Name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrModelExists, m.Name)
	}
	m.id = model.ModelID(len(r.models))
	m.pools = make([]pool, r.threads)
	r.models = append(r.models, m)
	r.byName[m.Name] = m.id
	return m.id, nil
}

// NumModels counts registered models including the sibling container.
func (r *Registry) NumModels() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// Model returns the model with id, if any.
func (r *Registry) Model(id model.ModelID) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.models) {
		return nil, false
	}
	return r.models[id], true
}

// ModelID resolves a model name.
func (r *Registry) ModelID(name string) (model.ModelID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// ModelName resolves a model id; the sibling container pseudo id maps to
// SiblingContainerName.
func (r *Registry) ModelName(id model.ModelID) string {
	if id == model.SiblingContainerModelID {
		return SiblingContainerName
	}
	if m, ok := r.Model(id); ok {
		return m.Name
	}
	return fmt.Sprintf("unknown(%d)", id)
}

// SiblingContainerModel is the pseudo model containers are allocated from.
func (r *Registry) SiblingContainerModel() *Model {
	m, _ := r.Model(0)
	return m
}

// ProxyNode returns a stand-in for gid, a node of model id owned by
// another process.
func (r *Registry) ProxyNode(t int, gid model.GID, id model.ModelID) *model.Node {
	n := model.NewNode(model.BaseDynamics{})
	n.MarkProxy()
	n.SetGID(gid)
	n.SetModelID(id)
	n.SetThread(t)
	return n
}

// Clear drops every arena. Nodes handed out before must no longer be used.
func (r *Registry) Clear() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		m.clear()
	}
}
