// Package swc parses SWC neuron reconstructions and splits them into the axon and dendrite
// tracings served by the geometry endpoint.
package swc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/neuronviewer/server/internal/model"
)

// SWC structure identifiers.
const (
	TypeUndefined      = 0
	TypeSoma           = 1
	TypeAxon           = 2
	TypeBasalDendrite  = 3
	TypeApicalDendrite = 4
)

// ErrNoSoma is returned when a reconstruction has no root soma sample.
var ErrNoSoma = errors.New("swc: no soma sample")

// Reconstruction is a parsed SWC file.
type Reconstruction struct {
	// Header holds the comment lines without the leading '#'.
	Header []string
	Nodes  []model.Node
}

// Parse reads an SWC file. Sample numbers must be unique and parents must be -1 or refer to
// a sample of the file.
func Parse(r io.Reader) (*Reconstruction, error) {
	rec := &Reconstruction{}
	seen := make(map[int]struct{})

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			rec.Header = append(rec.Header, strings.TrimSpace(strings.TrimPrefix(text, "#")))
			continue
		}

		fields := strings.Fields(text)
		if len(fields) < 7 {
			return nil, fmt.Errorf("swc line %d: expected 7 fields, got %d", line, len(fields))
		}
		node, err := parseNode(fields)
		if err != nil {
			return nil, fmt.Errorf("swc line %d: %w", line, err)
		}
		if _, dup := seen[node.SampleNumber]; dup {
			return nil, fmt.Errorf("swc line %d: duplicate sample %d", line, node.SampleNumber)
		}
		seen[node.SampleNumber] = struct{}{}
		rec.Nodes = append(rec.Nodes, node)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("swc: %w", err)
	}

	for _, n := range rec.Nodes {
		if n.ParentNumber == -1 {
			continue
		}
		if _, ok := seen[n.ParentNumber]; !ok {
			return nil, fmt.Errorf("swc: sample %d has unknown parent %d", n.SampleNumber, n.ParentNumber)
		}
	}
	return rec, nil
}

func parseNode(fields []string) (model.Node, error) {
	var n model.Node
	var err error
	if n.SampleNumber, err = strconv.Atoi(fields[0]); err != nil {
		return n, fmt.Errorf("sample number: %w", err)
	}
	if n.StructureID, err = strconv.Atoi(fields[1]); err != nil {
		return n, fmt.Errorf("structure: %w", err)
	}
	coords := []*float64{&n.X, &n.Y, &n.Z, &n.Radius}
	for i, dst := range coords {
		if *dst, err = strconv.ParseFloat(fields[2+i], 64); err != nil {
			return n, fmt.Errorf("field %d: %w", 3+i, err)
		}
	}
	if n.ParentNumber, err = strconv.Atoi(fields[6]); err != nil {
		return n, fmt.Errorf("parent: %w", err)
	}
	return n, nil
}

// Soma returns the root soma sample. When no sample is typed as soma the first root is used.
func (r *Reconstruction) Soma() (model.Node, error) {
	var firstRoot *model.Node
	for i := range r.Nodes {
		n := &r.Nodes[i]
		if n.ParentNumber != -1 {
			continue
		}
		if n.StructureID == TypeSoma {
			return *n, nil
		}
		if firstRoot == nil {
			firstRoot = n
		}
	}
	if firstRoot != nil {
		return *firstRoot, nil
	}
	return model.Node{}, ErrNoSoma
}

// Split builds the neuron record and its axon and dendrite tracings. Each tracing starts with
// the soma sample; a structure with no samples produces no tracing.
func (r *Reconstruction) Split(neuronID, label string) (model.Neuron, []model.Tracing, error) {
	soma, err := r.Soma()
	if err != nil {
		return model.Neuron{}, nil, err
	}

	axon := model.Tracing{ID: TracingID(neuronID, model.StructureAxon), NeuronID: neuronID, Structure: model.StructureAxon}
	dendrite := model.Tracing{ID: TracingID(neuronID, model.StructureDendrite), NeuronID: neuronID, Structure: model.StructureDendrite}

	for _, n := range r.Nodes {
		if n.SampleNumber == soma.SampleNumber {
			continue
		}
		switch n.StructureID {
		case TypeAxon:
			axon.Nodes = append(axon.Nodes, n)
		case TypeBasalDendrite, TypeApicalDendrite:
			dendrite.Nodes = append(dendrite.Nodes, n)
		}
	}

	neuron := model.Neuron{ID: neuronID, Label: label}
	var tracings []model.Tracing
	for _, tr := range []model.Tracing{axon, dendrite} {
		if len(tr.Nodes) == 0 {
			continue
		}
		tr.Nodes = append([]model.Node{soma}, tr.Nodes...)
		tracings = append(tracings, tr)
		neuron.Tracings = append(neuron.Tracings, model.TracingSummary{ID: tr.ID, Structure: tr.Structure, Soma: soma})
	}
	return neuron, tracings, nil
}

// TracingID returns the id of a neuron's tracing of structure s.
func TracingID(neuronID string, s model.Structure) string {
	return neuronID + "-" + string(s)
}
