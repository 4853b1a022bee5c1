package builtin

import (
	"github.com/signalsfoundry/nodekernel/model"
)

// Status keys of the devices.
const (
	KeyLabel     = "label"
	KeyNEvents   = "n_events"
	KeyPortName  = "port_name"
	KeyFinalized = "finalized"
)

// Recorder counts the steps it was updated for. Replicated recorders keep
// one count per thread.
type Recorder struct {
	model.BaseDynamics

	Label     string
	nEvents   int64
	finalized bool
}

func (r *Recorder) InitState() { r.nEvents = 0 }

func (r *Recorder) Update(from, to int64) error {
	r.nEvents += to - from
	return nil
}

func (r *Recorder) Finalize() error {
	r.finalized = true
	return nil
}

// NEvents is the number of recorded steps.
func (r *Recorder) NEvents() int64 { return r.nEvents }

// Finalized reports whether the shutdown hook ran.
func (r *Recorder) Finalized() bool { return r.finalized }

func (r *Recorder) GetStatus(p *model.Properties) {
	p.Set(KeyLabel, r.Label)
	p.Set(KeyNEvents, r.nEvents)
	p.Set(KeyFinalized, r.finalized)
}

func (r *Recorder) SetStatus(p *model.Properties) error {
	label, ok, err := p.String(KeyLabel)
	if err != nil {
		return err
	}
	if ok {
		r.Label = label
	}
	n, ok, err := p.Int64(KeyNEvents)
	if err != nil {
		return err
	}
	if ok {
		r.nEvents = n
	}
	// Read-only.
	p.Lookup(KeyFinalized)
	return nil
}

// Bridge is the per-process endpoint of an external coupling.
type Bridge struct {
	model.BaseDynamics

	PortName string
}

func (b *Bridge) GetStatus(p *model.Properties) { p.Set(KeyPortName, b.PortName) }

func (b *Bridge) SetStatus(p *model.Properties) error {
	name, ok, err := p.String(KeyPortName)
	if err != nil {
		return err
	}
	if ok {
		b.PortName = name
	}
	return nil
}
