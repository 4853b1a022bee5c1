// Package checkpoint stores node property records so that a network can be
// rebuilt with Restore. Records are kept in creation order; the binary form
// is a protobuf Struct, the text form is YAML.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/nodekernel/model"
)

// Version is written into every checkpoint.
const Version = 1

// ErrVersion indicates a checkpoint written by an incompatible version.
var ErrVersion = errors.New("checkpoint: unsupported version")

// Snapshot is the content of a checkpoint.
type Snapshot struct {
	// Step is the first step that has not been simulated.
	Step int64
	// Nodes holds one property record per GID, ascending.
	Nodes []*model.Properties
}

// Format selects the encoding.
type Format int

const (
	Binary Format = iota
	YAML
)

// FormatFromPath picks YAML for .yaml and .yml files and Binary otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return Binary
	}
}

// Marshal encodes s in the binary format.
func Marshal(s Snapshot) ([]byte, error) {
	nodes := make([]any, len(s.Nodes))
	for i, p := range s.Nodes {
		nodes[i] = p.Map()
	}
	st, err := structpb.NewStruct(map[string]any{
		"version": Version,
		"step":    s.Step,
		"nodes":   nodes,
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(st)
}

// Unmarshal decodes the binary format. Numbers come back as float64.
func Unmarshal(b []byte) (Snapshot, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return fromDocument(st.AsMap())
}

type yamlDocument struct {
	Version int              `yaml:"version"`
	Step    int64            `yaml:"step"`
	Nodes   []map[string]any `yaml:"nodes"`
}

// MarshalYAML encodes s as YAML.
func MarshalYAML(s Snapshot) ([]byte, error) {
	doc := yamlDocument{Version: Version, Step: s.Step, Nodes: make([]map[string]any, len(s.Nodes))}
	for i, p := range s.Nodes {
		doc.Nodes[i] = p.Map()
	}
	return yaml.Marshal(doc)
}

// UnmarshalYAML decodes the YAML format.
func UnmarshalYAML(b []byte) (Snapshot, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: decode yaml: %w", err)
	}
	if doc.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrVersion, doc.Version)
	}
	s := Snapshot{Step: doc.Step, Nodes: make([]*model.Properties, len(doc.Nodes))}
	for i, n := range doc.Nodes {
		s.Nodes[i] = model.NewProperties(n)
	}
	return s, nil
}

func fromDocument(doc map[string]any) (Snapshot, error) {
	version, _ := doc["version"].(float64)
	if int(version) != Version {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrVersion, doc["version"])
	}
	step, _ := doc["step"].(float64)
	raw, _ := doc["nodes"].([]any)

	s := Snapshot{Step: int64(step), Nodes: make([]*model.Properties, 0, len(raw))}
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return Snapshot{}, fmt.Errorf("checkpoint: record %d is %T, want a map", i, r)
		}
		s.Nodes = append(s.Nodes, model.NewProperties(m))
	}
	return s, nil
}

// Write encodes s to w.
func Write(w io.Writer, s Snapshot, f Format) error {
	var (
		b   []byte
		err error
	)
	if f == YAML {
		b, err = MarshalYAML(s)
	} else {
		b, err = Marshal(s)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Read decodes a snapshot from r.
func Read(r io.Reader, f Format) (Snapshot, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: read: %w", err)
	}
	if f == YAML {
		return UnmarshalYAML(b)
	}
	return Unmarshal(b)
}
