package builtin

import (
	"fmt"

	"github.com/signalsfoundry/nodekernel/model"
)

// Status keys of the integrate-and-fire models.
const (
	KeyVM         = "V_m"
	KeyEL         = "E_L"
	KeyVTh        = "V_th"
	KeyVReset     = "V_reset"
	KeyTauM       = "tau_m"
	KeyIE         = "I_e"
	KeySpikeCount = "spike_count"
)

// Neuron is a leaky integrate-and-fire point neuron integrated with the
// forward Euler method at the step resolution. Membrane potentials are in
// mV, times in ms, currents in units of mV.
type Neuron struct {
	model.BaseDynamics

	h   float64
	wfr bool

	TauM   float64
	EL     float64
	VTh    float64
	VReset float64
	IE     float64

	VM     float64
	spikes int64
	decay  float64
}

func newNeuron(resolutionMS float64, wfr bool) *Neuron {
	n := &Neuron{
		h:      resolutionMS,
		wfr:    wfr,
		TauM:   10,
		EL:     -70,
		VTh:    -55,
		VReset: -70,
	}
	n.VM = n.EL
	return n
}

func (n *Neuron) InitState() {
	n.VM = n.EL
	n.spikes = 0
}

func (n *Neuron) Calibrate() error {
	if n.TauM <= 0 {
		return fmt.Errorf("tau_m must be positive, got %g", n.TauM)
	}
	if n.VReset >= n.VTh {
		return fmt.Errorf("V_reset %g must lie below V_th %g", n.VReset, n.VTh)
	}
	n.decay = n.h / n.TauM
	return nil
}

func (n *Neuron) Update(from, to int64) error {
	for range to - from {
		n.VM += n.decay * (n.EL - n.VM + n.IE)
		if n.VM >= n.VTh {
			n.VM = n.VReset
			n.spikes++
		}
	}
	return nil
}

func (n *Neuron) UsesWFR() bool { return n.wfr }

// SpikeCount is the number of threshold crossings since the last reset.
func (n *Neuron) SpikeCount() int64 { return n.spikes }

func (n *Neuron) GetStatus(p *model.Properties) {
	p.Set(KeyVM, n.VM)
	p.Set(KeyEL, n.EL)
	p.Set(KeyVTh, n.VTh)
	p.Set(KeyVReset, n.VReset)
	p.Set(KeyTauM, n.TauM)
	p.Set(KeyIE, n.IE)
	p.Set(KeySpikeCount, n.spikes)
}

func (n *Neuron) SetStatus(p *model.Properties) error {
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{KeyVM, &n.VM},
		{KeyEL, &n.EL},
		{KeyVTh, &n.VTh},
		{KeyVReset, &n.VReset},
		{KeyTauM, &n.TauM},
		{KeyIE, &n.IE},
	} {
		v, ok, err := p.Float64(f.key)
		if err != nil {
			return err
		}
		if ok {
			*f.dst = v
		}
	}
	count, ok, err := p.Int64(KeySpikeCount)
	if err != nil {
		return err
	}
	if ok {
		n.spikes = count
	}
	return nil
}
