// Package builtin registers the node models shipped with the kernel: one
// per placement strategy, plus variants for waveform relaxation, precise
// timing and deprecation.
package builtin

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/nodekernel/internal/factory"
	"github.com/signalsfoundry/nodekernel/model"
)

// Model names.
const (
	IAFNeuron      = "iaf_neuron"
	WFRNeuron      = "wfr_neuron"
	PreciseNeuron  = "precise_neuron"
	OldIAFNeuron   = "iaf_neuron_legacy"
	SpikeRecorder  = "spike_recorder"
	GlobalRecorder = "global_recorder"
	ProcessBridge  = "process_bridge"
)

// Register adds every builtin model to reg. resolution is the duration of
// one simulation step.
func Register(reg *factory.Registry, resolution time.Duration) error {
	if resolution <= 0 {
		return fmt.Errorf("builtin: resolution must be positive, got %v", resolution)
	}
	h := float64(resolution) / float64(time.Millisecond)

	models := []*factory.Model{
		{
			Name:       IAFNeuron,
			HasProxies: true,
			New:        func() model.Dynamics { return newNeuron(h, false) },
		},
		{
			Name:       WFRNeuron,
			HasProxies: true,
			New:        func() model.Dynamics { return newNeuron(h, true) },
		},
		{
			Name:       PreciseNeuron,
			HasProxies: true,
			OffGrid:    true,
			New:        func() model.Dynamics { return newNeuron(h, false) },
		},
		{
			Name:       OldIAFNeuron,
			HasProxies: true,
			Deprecated: true,
			New:        func() model.Dynamics { return newNeuron(h, false) },
		},
		{
			Name: SpikeRecorder,
			New:  func() model.Dynamics { return &Recorder{} },
		},
		{
			Name:                    GlobalRecorder,
			PotentialGlobalReceiver: true,
			New:                     func() model.Dynamics { return &Recorder{} },
		},
		{
			Name:          ProcessBridge,
			OnePerProcess: true,
			New:           func() model.Dynamics { return &Bridge{} },
		},
	}
	for _, m := range models {
		if _, err := reg.Register(m); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}
