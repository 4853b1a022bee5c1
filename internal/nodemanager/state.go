package nodemanager

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalsfoundry/nodekernel/internal/logging"
	"github.com/signalsfoundry/nodekernel/model"
)

// ResetNodesState returns every local node, replicas included, to its
// initial state and forces buffer initialisation on the next prepare pass.
func (m *Manager) ResetNodesState() {
	for _, n := range m.local.All() {
		if n.IsSiblingContainer() {
			for _, s := range n.Siblings() {
				s.InitState()
				s.SetBuffersInitialized(false)
			}
			continue
		}
		n.InitState()
		n.SetBuffersInitialized(false)
	}
}

// InitNodeState resets the state of the local node gid. Replicated nodes
// reset their thread 0 replica.
func (m *Manager) InitNodeState(gid model.GID) error {
	n := m.local.GetNodeByGID(gid)
	if n == nil {
		return fmt.Errorf("%w: %d is not local", ErrUnknownNode, gid)
	}
	if n.NumThreadSiblings() > 0 {
		n = n.ThreadSibling(0)
	}
	n.InitState()
	return nil
}

// GetStatus returns the properties of gid as seen from thread 0. Remote
// GIDs report only their id and that they are not local.
func (m *Manager) GetStatus(gid model.GID) (*model.Properties, error) {
	n, err := m.GetNode(gid, 0)
	if err != nil {
		return nil, err
	}
	p := n.GetStatus()
	p.Set(model.KeyModel, m.models.ModelName(n.ModelID()))
	return p, nil
}

// SetStatus applies p to gid; replicated GIDs get it on every replica.
// Every entry of p must be read by the node, otherwise the update fails
// with ErrUnaccessedProperties. Remote GIDs are ignored.
func (m *Manager) SetStatus(gid model.GID, p *model.Properties) error {
	target := m.local.GetNodeByGID(gid)
	if target == nil {
		return nil
	}
	if target.NumThreadSiblings() == 0 {
		return setStatusChecked(target, p)
	}
	for _, s := range target.Siblings() {
		if err := setStatusChecked(s, p); err != nil {
			return err
		}
	}
	return nil
}

func setStatusChecked(n *model.Node, p *model.Properties) error {
	if n.IsProxy() {
		return nil
	}
	p.ClearAccessFlags()
	if err := n.SetStatus(p); err != nil {
		return err
	}
	if unread := p.Unaccessed(); len(unread) > 0 {
		return fmt.Errorf("%w: node %d: %s", ErrUnaccessedProperties, n.GID(), strings.Join(unread, ", "))
	}
	return nil
}

// Restore recreates one node per record, in order, and applies the record
// to it without checking for unread entries. Each record names its model
// under model.KeyModel.
func (m *Manager) Restore(ctx context.Context, records []*model.Properties) error {
	for i, rec := range records {
		name, ok, err := rec.String(model.KeyModel)
		if err != nil {
			return fmt.Errorf("nodemanager: restore record %d: %w", i, err)
		}
		if !ok {
			return fmt.Errorf("nodemanager: restore record %d: %w: no model name", i, ErrUnknownModel)
		}
		mod, ok := m.models.ModelID(name)
		if !ok {
			return fmt.Errorf("nodemanager: restore record %d: %w: %s", i, ErrUnknownModel, name)
		}

		rng, err := m.AddNode(ctx, mod, 1)
		if err != nil {
			return fmt.Errorf("nodemanager: restore record %d: %w", i, err)
		}

		target := m.local.GetNodeByGID(rng.Min)
		if target == nil {
			// Owned by another process.
			continue
		}
		nodes := []*model.Node{target}
		if target.NumThreadSiblings() > 0 {
			nodes = target.Siblings()
		}
		for _, n := range nodes {
			if err := n.SetStatus(rec); err != nil {
				return fmt.Errorf("nodemanager: restore node %d: %w", n.GID(), err)
			}
		}
	}
	m.log.Info(ctx, "nodes restored", logging.Int("count", len(records)))
	return nil
}
