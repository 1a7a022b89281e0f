// Package model defines the records shared by the geometry server and the viewer core.
package model

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Structure identifies which part of a neuron a tracing reconstructs.
type Structure string

const (
	StructureAxon     Structure = "axon"
	StructureDendrite Structure = "dendrite"
	StructureSoma     Structure = "soma"
)

// ParseStructure converts a string into a Structure.
func ParseStructure(s string) (Structure, error) {
	switch Structure(strings.ToLower(strings.TrimSpace(s))) {
	case StructureAxon:
		return StructureAxon, nil
	case StructureDendrite:
		return StructureDendrite, nil
	case StructureSoma:
		return StructureSoma, nil
	}
	return "", fmt.Errorf("unknown structure: %q", s)
}

// Node is one sample point of a reconstruction.
type Node struct {
	SampleNumber int     `json:"sample_number"`
	StructureID  int     `json:"structure_id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Z            float64 `json:"z"`
	Radius       float64 `json:"radius"`
	ParentNumber int     `json:"parent_number"`
}

// TracingSummary is the lightweight per-tracing metadata delivered with a neuron.
// The soma node is always present; the full node array is not.
type TracingSummary struct {
	ID        string    `json:"id"`
	Structure Structure `json:"structure"`
	Soma      Node      `json:"soma"`
}

// Neuron is the eager metadata record for one reconstructed cell.
type Neuron struct {
	ID       string           `json:"id"`
	Label    string           `json:"label"`
	Tracings []TracingSummary `json:"tracings"`
}

// Soma returns the soma node shared by the neuron's tracings.
func (n Neuron) Soma() (Node, bool) {
	if len(n.Tracings) == 0 {
		return Node{}, false
	}
	return n.Tracings[0].Soma, true
}

// Tracing is the full geometry of a single tracing.
type Tracing struct {
	ID        string    `json:"id"`
	NeuronID  string    `json:"neuron_id"`
	Structure Structure `json:"structure"`
	Nodes     []Node    `json:"nodes"`
}

// TracingRequest is the body of a batched geometry request.
type TracingRequest struct {
	IDs []string `json:"ids"`
}

// Timing reports how a batch was served.
type Timing struct {
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	CacheHits int       `json:"cache_hits"`
	Loaded    int       `json:"loaded"`
}

// Elapsed returns the server-side duration of the batch.
func (t Timing) Elapsed() time.Duration {
	return t.Finished.Sub(t.Started)
}

// TracingBatch is the response of a batched geometry request.
type TracingBatch struct {
	Tracings []Tracing `json:"tracings"`
	Timing   Timing    `json:"timing"`
	Missing  []string  `json:"missing,omitempty"`
}

// Compartment describes an anatomical brain region with a mesh.
type Compartment struct {
	ID      string `json:"id"`
	Acronym string `json:"acronym"`
	Name    string `json:"name"`
	Color   string `json:"color"`
}

// Mesh is a compartment mesh asset as served by the mesh endpoint.
type Mesh struct {
	Path string
	Data []byte
}

// MeshPath returns the static path of a compartment mesh within a mesh-set version.
func MeshPath(version, structureID string) string {
	return path.Join(version, structureID+".obj")
}
