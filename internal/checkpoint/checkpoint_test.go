package checkpoint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/nodekernel/model"
)

func sample() Snapshot {
	return Snapshot{
		Step: 250,
		Nodes: []*model.Properties{
			model.NewProperties(map[string]any{
				model.KeyGlobalID: int64(1),
				model.KeyModel:    "iaf_neuron",
				model.KeyFrozen:   true,
				"V_m":             -65.5,
			}),
			model.NewProperties(map[string]any{
				model.KeyGlobalID: int64(2),
				model.KeyModel:    "spike_recorder",
				"label":           "out",
			}),
		},
	}
}

func assertSample(t *testing.T, got Snapshot) {
	t.Helper()
	assert.Equal(t, int64(250), got.Step)
	require.Len(t, got.Nodes, 2)

	gid, ok, err := got.Nodes[0].Int64(model.KeyGlobalID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), gid)

	name, _, err := got.Nodes[0].String(model.KeyModel)
	require.NoError(t, err)
	assert.Equal(t, "iaf_neuron", name)

	frozen, _, err := got.Nodes[0].Bool(model.KeyFrozen)
	require.NoError(t, err)
	assert.True(t, frozen)

	vm, _, err := got.Nodes[0].Float64("V_m")
	require.NoError(t, err)
	assert.Equal(t, -65.5, vm)

	label, _, err := got.Nodes[1].String("label")
	require.NoError(t, err)
	assert.Equal(t, "out", label)
}

func TestBinaryFormat(t *testing.T) {
	b, err := Marshal(sample())
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assertSample(t, got)

	again, err := Marshal(sample())
	require.NoError(t, err)
	assert.Equal(t, b, again, "encoding must be deterministic")
}

func TestYAMLFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sample(), YAML))
	assert.Contains(t, buf.String(), "iaf_neuron")

	got, err := Read(&buf, YAML)
	require.NoError(t, err)
	assertSample(t, got)
}

func TestEmptySnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Snapshot{}, Binary))
	got, err := Read(&buf, Binary)
	require.NoError(t, err)
	assert.Empty(t, got.Nodes)
	assert.Zero(t, got.Step)
}

func TestRejectsForeignInput(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)

	_, err = UnmarshalYAML([]byte("version: 7\nnodes: []\n"))
	require.ErrorIs(t, err, ErrVersion)

	_, err = Unmarshal(nil)
	require.ErrorIs(t, err, ErrVersion)
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, YAML, FormatFromPath("net.yaml"))
	assert.Equal(t, YAML, FormatFromPath("NET.YML"))
	assert.Equal(t, Binary, FormatFromPath("net.ckpt"))
	assert.Equal(t, Binary, FormatFromPath("net"))
}
