package model

import "fmt"

// GID is the global identifier of a node. GIDs start at 1; 0 is never
// assigned and is used as the "no node" value.
type GID uint64

// ModelID identifies a node model in the factory registry.
type ModelID int

// SiblingContainerModelID is the pseudo model id carried by a
// SiblingContainer. It never identifies a registered model.
const SiblingContainerModelID ModelID = -1

// Dynamics is the behaviour a node model plugs into a Node. The node
// manager drives these hooks; implementations never see other threads'
// nodes.
type Dynamics interface {
	// InitState resets the node's internal state to its initial values.
	InitState()
	// InitBuffers prepares input buffers before a run.
	InitBuffers() error
	// Calibrate derives internal constants from parameters before a run.
	Calibrate() error
	// Update advances the node over the steps [from, to).
	Update(from, to int64) error
	// PostRunCleanup is invoked at the end of every run.
	PostRunCleanup()
	// Finalize releases resources the node holds (files, sockets).
	Finalize() error
	// UsesWFR reports whether the node requires waveform relaxation.
	UsesWFR() bool
	// GetStatus writes model-specific properties into p.
	GetStatus(p *Properties)
	// SetStatus reads model-specific properties from p.
	SetStatus(p *Properties) error
}

// Destroyer is implemented by Dynamics that need a hook when their node is
// destructed in place by the pool that owns it.
type Destroyer interface {
	Destroy()
}

// BaseDynamics provides no-op hooks; models embed it and override what
// they need.
type BaseDynamics struct{}

func (BaseDynamics) InitState()                  {}
func (BaseDynamics) InitBuffers() error          { return nil }
func (BaseDynamics) Calibrate() error            { return nil }
func (BaseDynamics) Update(from, to int64) error { return nil }
func (BaseDynamics) PostRunCleanup()             {}
func (BaseDynamics) Finalize() error             { return nil }
func (BaseDynamics) UsesWFR() bool               { return false }
func (BaseDynamics) GetStatus(*Properties)       {}
func (BaseDynamics) SetStatus(*Properties) error { return nil }

// Node is a simulable unit. Its storage is owned by the pool of the model
// that allocated it; the node manager only ever destructs it in place.
//
// A Node whose model id is SiblingContainerModelID is a SiblingContainer:
// it stands in for a GID replicated once per thread and holds the
// per-thread replicas as its thread siblings.
type Node struct {
	gid     GID
	modelID ModelID
	thread  int
	vp      int

	frozen             bool
	buffersInitialized bool
	hasProxies         bool
	localReceiver      bool
	proxy              bool
	threadLID          int

	siblings []*Node
	dyn      Dynamics
}

// NewNode wraps dyn in a fresh node. Nodes have proxies and are local
// receivers unless told otherwise.
func NewNode(dyn Dynamics) *Node {
	if dyn == nil {
		dyn = BaseDynamics{}
	}
	return &Node{
		dyn:           dyn,
		hasProxies:    true,
		localReceiver: true,
		threadLID:     -1,
	}
}

// Reset reinitialises n in place so pooled storage can be handed out again.
func (n *Node) Reset(dyn Dynamics) {
	*n = Node{
		dyn:           dyn,
		hasProxies:    true,
		localReceiver: true,
		threadLID:     -1,
	}
	if n.dyn == nil {
		n.dyn = BaseDynamics{}
	}
}

func (n *Node) GID() GID             { return n.gid }
func (n *Node) SetGID(gid GID)       { n.gid = gid }
func (n *Node) ModelID() ModelID     { return n.modelID }
func (n *Node) SetModelID(m ModelID) { n.modelID = m }
func (n *Node) Thread() int          { return n.thread }
func (n *Node) SetThread(t int)      { n.thread = t }
func (n *Node) VP() int              { return n.vp }
func (n *Node) SetVP(vp int)         { n.vp = vp }

func (n *Node) IsFrozen() bool        { return n.frozen }
func (n *Node) SetFrozen(frozen bool) { n.frozen = frozen }

func (n *Node) HasProxies() bool             { return n.hasProxies }
func (n *Node) SetHasProxies(v bool)         { n.hasProxies = v }
func (n *Node) IsLocalReceiver() bool        { return n.localReceiver }
func (n *Node) SetLocalReceiver(v bool)      { n.localReceiver = v }
func (n *Node) IsProxy() bool                { return n.proxy }
func (n *Node) MarkProxy()                   { n.proxy = true }
func (n *Node) BuffersInitialized() bool     { return n.buffersInitialized }
func (n *Node) SetBuffersInitialized(v bool) { n.buffersInitialized = v }

// ThreadLID is the node's position in its worker's view list. It is -1
// until the view has been built.
func (n *Node) ThreadLID() int     { return n.threadLID }
func (n *Node) SetThreadLID(i int) { n.threadLID = i }

// Dynamics exposes the model behaviour attached to the node.
func (n *Node) Dynamics() Dynamics { return n.dyn }

// UsesWFR reports whether the node requires waveform relaxation.
func (n *Node) UsesWFR() bool {
	if n.IsSiblingContainer() {
		return false
	}
	return n.dyn.UsesWFR()
}

// IsSiblingContainer reports whether n is a container of thread replicas.
func (n *Node) IsSiblingContainer() bool { return n.modelID == SiblingContainerModelID }

// NumThreadSiblings is zero for ordinary nodes.
func (n *Node) NumThreadSiblings() int { return len(n.siblings) }

// ThreadSibling returns the replica owned by thread t.
func (n *Node) ThreadSibling(t int) *Node { return n.siblings[t] }

// Siblings returns the replicas in thread order. Callers must not modify
// the slice.
func (n *Node) Siblings() []*Node { return n.siblings }

// ReserveSiblings sizes the sibling list for threads replicas.
func (n *Node) ReserveSiblings(threads int) {
	if cap(n.siblings) < threads {
		s := make([]*Node, len(n.siblings), threads)
		copy(s, n.siblings)
		n.siblings = s
	}
}

// PushSibling appends the replica for the next thread.
func (n *Node) PushSibling(s *Node) { n.siblings = append(n.siblings, s) }

// InitState resets internal state.
func (n *Node) InitState() { n.dyn.InitState() }

// InitBuffers prepares the node's buffers and marks them initialised. It
// does nothing until SetBuffersInitialized(false) clears the mark again.
func (n *Node) InitBuffers() error {
	if n.buffersInitialized {
		return nil
	}
	if err := n.dyn.InitBuffers(); err != nil {
		return err
	}
	n.buffersInitialized = true
	return nil
}

func (n *Node) Calibrate() error            { return n.dyn.Calibrate() }
func (n *Node) Update(from, to int64) error { return n.dyn.Update(from, to) }
func (n *Node) PostRunCleanup()             { n.dyn.PostRunCleanup() }
func (n *Node) Finalize() error             { return n.dyn.Finalize() }

// Destruct runs the destructor hook without releasing the node's storage.
func (n *Node) Destruct() {
	if d, ok := n.dyn.(Destroyer); ok {
		d.Destroy()
	}
	n.siblings = nil
}

// Status keys shared by every node.
const (
	KeyGlobalID      = "global_id"
	KeyModel         = "model"
	KeyThread        = "thread"
	KeyVP            = "vp"
	KeyFrozen        = "frozen"
	KeyLocal         = "local"
	KeyThreadLocalID = "thread_local_id"
	KeyUsesWFR       = "node_uses_wfr"
)

// GetStatus returns the base properties of the node followed by the
// model-specific ones. The model name is filled in by the caller, which
// owns the model catalogue.
func (n *Node) GetStatus() *Properties {
	p := NewProperties(nil)
	p.Set(KeyGlobalID, int64(n.gid))
	p.Set(KeyLocal, !n.proxy)
	if n.proxy {
		return p
	}
	p.Set(KeyThread, int64(n.thread))
	p.Set(KeyVP, int64(n.vp))
	p.Set(KeyFrozen, n.frozen)
	p.Set(KeyThreadLocalID, int64(n.threadLID))
	p.Set(KeyUsesWFR, n.UsesWFR())
	n.dyn.GetStatus(p)
	return p
}

// SetStatus applies p to the node. Read-only keys are marked as read so
// that status records obtained from GetStatus can be written back.
func (n *Node) SetStatus(p *Properties) error {
	for _, k := range []string{KeyGlobalID, KeyModel, KeyThread, KeyVP, KeyLocal, KeyThreadLocalID, KeyUsesWFR} {
		p.Lookup(k)
	}
	frozen, ok, err := p.Bool(KeyFrozen)
	if err != nil {
		return fmt.Errorf("node %d: %w", n.gid, err)
	}
	if ok {
		n.frozen = frozen
	}
	return n.dyn.SetStatus(p)
}

func (n *Node) String() string {
	if n.IsSiblingContainer() {
		return fmt.Sprintf("siblingcontainer(gid=%d, threads=%d)", n.gid, len(n.siblings))
	}
	return fmt.Sprintf("node(gid=%d, model=%d, thread=%d, vp=%d)", n.gid, n.modelID, n.thread, n.vp)
}
