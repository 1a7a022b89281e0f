package viewer

import (
	"context"

	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/scene"
)

func (s *Session) resolveTracing(id string) (scene.Descriptor, bool) {
	tv, ok := s.state.Tracing(id)
	if !ok {
		return scene.Descriptor{}, false
	}
	n, ok := s.state.Neuron(tv.NeuronID)
	if !ok {
		return scene.Descriptor{}, false
	}
	fingerprint, ok := s.state.Fingerprint(id)
	if !ok {
		return scene.Descriptor{}, false
	}

	var payload any
	switch {
	case tv.Structure == model.StructureSoma:
		soma := tv.Soma
		payload = &soma
	case tv.Tracing != nil:
		payload = tv.Tracing
	default:
		return scene.Descriptor{}, false
	}

	return scene.Descriptor{
		Fingerprint: fingerprint,
		Style:       scene.Style{Color: n.Color, Mirror: n.Mirror},
		Opacity:     s.state.Opacity(id),
		Geometry: func(context.Context) (any, error) {
			return payload, nil
		},
	}, true
}

func (s *Session) resolveCompartment(id string) (scene.Descriptor, bool) {
	if id == "" || s.meshes == nil {
		return scene.Descriptor{}, false
	}
	color := defaultCompartmentColor
	if c, ok := s.catalog[id]; ok && c.Color != "" {
		color = c.Color
	}
	version := s.cfg.MeshVersion
	path := model.MeshPath(version, id)
	meshes := s.meshes

	return scene.Descriptor{
		Fingerprint: version + "|" + color,
		Style:       scene.Style{Color: color},
		Opacity:     s.cfg.CompartmentOpacity,
		Geometry: func(ctx context.Context) (any, error) {
			return meshes.FetchCompartmentMesh(ctx, path)
		},
	}, true
}
