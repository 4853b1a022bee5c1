package kb

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/nodekernel/model"
)

// DefaultMaxSize bounds the GID space when no explicit capacity is given.
// Like MaxSize it is the largest usable GID, not one past it.
const DefaultMaxSize model.GID = math.MaxInt64

var (
	// ErrNotAscending indicates a GID at or below the current maximum.
	ErrNotAscending = errors.New("gid does not exceed current max gid")
	// ErrOutOfRange indicates a GID beyond the registry capacity.
	ErrOutOfRange = errors.New("gid exceeds registry capacity")
)

// KnowledgeBase is the local node registry: the nodes this process
// materialised, in ascending GID order, plus the largest GID known
// anywhere in the distributed system.
//
// Mutation happens from one controlling goroutine between parallel
// phases; the lock only protects readers that run concurrently with it.
type KnowledgeBase struct {
	mu sync.RWMutex

	nodes   []*model.Node
	maxGID  model.GID
	maxSize model.GID
}

// NewKnowledgeBase constructs an empty registry with room for maxSize
// GIDs. A zero maxSize selects DefaultMaxSize.
func NewKnowledgeBase(maxSize model.GID) *KnowledgeBase {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &KnowledgeBase{maxSize: maxSize}
}

// AddLocalNode registers a node materialised on this process. Its GID must
// exceed every GID registered before.
func (kb *KnowledgeBase) AddLocalNode(n *model.Node) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	gid := n.GID()
	if err := kb.checkLocked(gid); err != nil {
		return err
	}
	kb.nodes = append(kb.nodes, n)
	kb.maxGID = gid
	return nil
}

// AddRemoteNode records a GID owned by another process. Nothing is stored;
// only the max GID advances.
func (kb *KnowledgeBase) AddRemoteNode(gid model.GID) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if err := kb.checkLocked(gid); err != nil {
		return err
	}
	kb.maxGID = gid
	return nil
}

func (kb *KnowledgeBase) checkLocked(gid model.GID) error {
	if gid <= kb.maxGID {
		return fmt.Errorf("gid %d (max %d): %w", gid, kb.maxGID, ErrNotAscending)
	}
	if gid > kb.maxSize {
		return fmt.Errorf("gid %d (capacity %d): %w", gid, kb.maxSize, ErrOutOfRange)
	}
	return nil
}

// GetNodeByGID returns the local entry for gid, or nil if gid is remote or
// unknown.
func (kb *KnowledgeBase) GetNodeByGID(gid model.GID) *model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	i := sort.Search(len(kb.nodes), func(i int) bool { return kb.nodes[i].GID() >= gid })
	if i < len(kb.nodes) && kb.nodes[i].GID() == gid {
		return kb.nodes[i]
	}
	return nil
}

// GetNodeByIndex returns the i-th local entry. A SiblingContainer counts
// as one entry.
func (kb *KnowledgeBase) GetNodeByIndex(i int) *model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	if i < 0 || i >= len(kb.nodes) {
		return nil
	}
	return kb.nodes[i]
}

// All yields the local entries in ascending GID order. The snapshot is
// taken when iteration starts.
func (kb *KnowledgeBase) All() iter.Seq2[int, *model.Node] {
	kb.mu.RLock()
	nodes := kb.nodes
	kb.mu.RUnlock()

	return func(yield func(int, *model.Node) bool) {
		for i, n := range nodes {
			if !yield(i, n) {
				return
			}
		}
	}
}

// NumLocal is the number of local entries.
func (kb *KnowledgeBase) NumLocal() int {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return len(kb.nodes)
}

// MaxGID is the largest GID allocated anywhere, locally or remotely.
func (kb *KnowledgeBase) MaxGID() model.GID {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.maxGID
}

// Size is the network size: the number of GIDs handed out so far across
// all processes.
func (kb *KnowledgeBase) Size() model.GID { return kb.MaxGID() }

// MaxSize is the largest GID the registry can address. The bound is
// inclusive: a registry of MaxSize 5 accepts GIDs 1 through 5.
func (kb *KnowledgeBase) MaxSize() model.GID { return kb.maxSize }

// Reserve grows the local entry storage to hold at least n entries.
func (kb *KnowledgeBase) Reserve(n int) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if n > cap(kb.nodes) {
		grown := make([]*model.Node, len(kb.nodes), n)
		copy(grown, kb.nodes)
		kb.nodes = grown
	}
}

// Clear forgets every entry and resets the max GID.
func (kb *KnowledgeBase) Clear() {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	kb.nodes = nil
	kb.maxGID = 0
}
