// Package render provides tracing preview rendering using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	PreviewSize     int
	DefaultColormap string
}

// PreviewRenderer draws XY projections of tracings.
type PreviewRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewPreviewRenderer creates a new preview renderer.
func NewPreviewRenderer(cfg Config) *PreviewRenderer {
	if cfg.PreviewSize <= 0 {
		cfg.PreviewSize = 256
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &PreviewRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.PreviewSize, cfg.PreviewSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Size returns the edge length of rendered previews in pixels.
func (r *PreviewRenderer) Size() int {
	return r.config.PreviewSize
}

// ColormapName resolves an empty name to the configured default.
func (r *PreviewRenderer) ColormapName(name string) string {
	if name == "" {
		return r.config.DefaultColormap
	}
	return name
}

type bounds struct {
	minX, maxX, minY, maxY, minZ, maxZ float64
}

func tracingBounds(nodes []model.Node) bounds {
	b := bounds{
		minX: math.Inf(1), maxX: math.Inf(-1),
		minY: math.Inf(1), maxY: math.Inf(-1),
		minZ: math.Inf(1), maxZ: math.Inf(-1),
	}
	for _, n := range nodes {
		b.minX, b.maxX = math.Min(b.minX, n.X), math.Max(b.maxX, n.X)
		b.minY, b.maxY = math.Min(b.minY, n.Y), math.Max(b.maxY, n.Y)
		b.minZ, b.maxZ = math.Min(b.minZ, n.Z), math.Max(b.maxZ, n.Z)
	}
	return b
}

// RenderTracing renders an XY projection of tr. Segments are colored by depth using the
// named colormap; the root sample is drawn as a dot.
func (r *PreviewRenderer) RenderTracing(tr *model.Tracing, colormapName string) ([]byte, error) {
	// Get context from pool
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	// Clear canvas with white background
	dc.SetColor(color.White)
	dc.Clear()

	if tr == nil || len(tr.Nodes) == 0 {
		return r.encodeContext(dc)
	}

	cmap := colormap.ByName(r.ColormapName(colormapName))

	size := float64(r.config.PreviewSize)
	margin := size * 0.05
	b := tracingBounds(tr.Nodes)
	extent := math.Max(b.maxX-b.minX, b.maxY-b.minY)
	if extent == 0 {
		extent = 1
	}
	scale := (size - 2*margin) / extent
	depth := b.maxZ - b.minZ
	if depth == 0 {
		depth = 1
	}

	// Center the projection
	offX := margin + ((size-2*margin)-(b.maxX-b.minX)*scale)/2
	offY := margin + ((size-2*margin)-(b.maxY-b.minY)*scale)/2
	project := func(n model.Node) (float64, float64) {
		return offX + (n.X-b.minX)*scale, offY + (n.Y-b.minY)*scale
	}

	bySample := make(map[int]model.Node, len(tr.Nodes))
	for _, n := range tr.Nodes {
		bySample[n.SampleNumber] = n
	}

	dc.SetLineWidth(math.Max(1, size/256))
	for _, n := range tr.Nodes {
		parent, ok := bySample[n.ParentNumber]
		if !ok {
			continue
		}
		x1, y1 := project(parent)
		x2, y2 := project(n)
		dc.SetColor(cmap.At((n.Z - b.minZ) / depth))
		dc.DrawLine(x1, y1, x2, y2)
		dc.Stroke()
	}

	root := tr.Nodes[0]
	for _, n := range tr.Nodes {
		if n.ParentNumber == -1 {
			root = n
			break
		}
	}
	rx, ry := project(root)
	dc.SetColor(color.Black)
	dc.DrawCircle(rx, ry, math.Max(2, size/64))
	dc.Fill()

	return r.encodeContext(dc)
}

func (r *PreviewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyPreview creates an empty transparent preview.
func (r *PreviewRenderer) CreateEmptyPreview() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.PreviewSize, r.config.PreviewSize))
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
