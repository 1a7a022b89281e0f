// Package main is a headless neuron viewer. It loads neuron metadata from a geometry server,
// selects neurons, waits until their geometry is in the scene and prints the scene graph.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/neuronviewer/server/internal/client"
	"github.com/neuronviewer/server/internal/config"
	"github.com/neuronviewer/server/internal/loop"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/scene"
	"github.com/neuronviewer/server/internal/viewer"
	"github.com/neuronviewer/server/internal/viewstate"
)

type options struct {
	serverURL    string
	selectIDs    string
	mode         string
	highlight    string
	compartments string
	meshVersion  string
	wait         time.Duration
}

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	var opts options
	flag.StringVar(&opts.serverURL, "server", "", "Geometry server URL (overrides viewer.server_url)")
	flag.StringVar(&opts.selectIDs, "select", "", "Comma separated neuron ids to select, or \"all\"")
	flag.StringVar(&opts.mode, "mode", "", "View mode for selected neurons: all, axon, dendrite, soma")
	flag.StringVar(&opts.highlight, "highlight", "", "Comma separated neuron ids to highlight")
	flag.StringVar(&opts.compartments, "compartments", "", "Comma separated compartment ids to show")
	flag.StringVar(&opts.meshVersion, "mesh-version", "", "Mesh set version (overrides meshes.default_version)")
	flag.DurationVar(&opts.wait, "wait", 2*time.Minute, "Maximum time to wait for the scene to settle")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("viewer failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	serverURL := cfg.Viewer.ServerURL
	if opts.serverURL != "" {
		serverURL = opts.serverURL
	}
	meshVersion := cfg.Meshes.DefaultVersion
	if opts.meshVersion != "" {
		meshVersion = opts.meshVersion
	}
	defaultMode, err := viewstate.ParseViewMode(cfg.Viewer.DefaultViewMode)
	if err != nil {
		return err
	}
	mode := defaultMode
	if opts.mode != "" {
		if mode, err = viewstate.ParseViewMode(opts.mode); err != nil {
			return err
		}
	}

	c, err := client.New(client.Config{
		BaseURL: serverURL,
		Timeout: time.Duration(cfg.Viewer.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	// Metadata is loaded before the loop starts; the session only sees the results.
	neurons, err := c.FetchNeurons(ctx)
	if err != nil {
		return fmt.Errorf("load neurons: %w", err)
	}
	compartments, err := c.FetchCompartments(ctx)
	if err != nil {
		logger.Warn("compartment catalog unavailable", "error", err)
	}
	logger.Info("metadata loaded", "server", serverURL, "neurons", len(neurons), "compartments", len(compartments))

	// The loop outlives ctx so the session can still be closed after an interrupt.
	l := loop.New()
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(loopCtx) }()

	renderer := scene.NewHeadlessRenderer(logger)
	var session *viewer.Session
	var setupErr error
	if err := l.Call(ctx, func() {
		session = viewer.New(viewer.Config{
			BatchSize:       cfg.Viewer.BatchSize,
			DefaultViewMode: defaultMode,
			DimOpacity:      cfg.Viewer.DimOpacity,
			MeshVersion:     meshVersion,
		}, l, c, c, renderer, logger)
		session.Subscribe(func(st viewer.Status) {
			logger.Debug("session", "pending", st.FetchCount, "requested", st.Requested,
				"loading", st.Loading, "visible", st.VisibleTracings)
		})
		setupErr = apply(session, neurons, compartments, mode, opts)
	}); err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}

	settleErr := waitSettled(ctx, l, session, opts.wait)

	st, snapErr := finish(l, loopDone, session, 5*time.Second)
	if snapErr != nil {
		return errors.Join(settleErr, fmt.Errorf("final snapshot: %w", snapErr))
	}
	printScene(os.Stdout, st, renderer.Objects())
	return settleErr
}

// apply runs on the loop goroutine.
func apply(s *viewer.Session, neurons []model.Neuron, compartments []model.Compartment, mode viewstate.ViewMode, opts options) error {
	s.LoadNeurons(neurons)
	s.SetCompartmentCatalog(compartments)

	selected := splitIDs(opts.selectIDs)
	if len(selected) == 1 && selected[0] == "all" {
		selected = selected[:0]
		for _, n := range neurons {
			selected = append(selected, n.ID)
		}
	}

	var errs []error
	for _, id := range selected {
		if err := s.ToggleSelection(id, true); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.RequestViewMode(id, mode); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range splitIDs(opts.highlight) {
		if err := s.SetHighlighted(id, true); err != nil {
			errs = append(errs, err)
		}
	}
	if ids := splitIDs(opts.compartments); len(ids) > 0 {
		s.ShowCompartments(ids)
	}
	return errors.Join(errs...)
}

// finish snapshots and closes the session, then stops the loop and waits for its workers.
// It does not depend on the caller's context, which may already be cancelled.
func finish(l *loop.Loop, loopDone <-chan error, s *viewer.Session, timeout time.Duration) (viewer.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var st viewer.Status
	err := l.Call(ctx, func() {
		st = s.Status()
		s.Close()
	})
	l.Stop()
	<-loopDone
	l.Wait()
	return st, err
}

func waitSettled(ctx context.Context, l *loop.Loop, s *viewer.Session, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var rendering bool
		if err := l.Call(ctx, func() { rendering = s.IsRendering() }); err != nil {
			return fmt.Errorf("scene did not settle: %w", err)
		}
		if !rendering {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("scene did not settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func printScene(f io.Writer, st viewer.Status, objects []scene.Object) {
	fmt.Fprintf(f, "visible tracings: %d  compartments: %d  pending: %d  requested: %d\n",
		st.VisibleTracings, st.VisibleCompartments, st.FetchCount, st.Requested)

	w := tabwriter.NewWriter(f, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVISIBLE\tOPACITY\tCOLOR\tVERTICES")
	for _, obj := range objects {
		fmt.Fprintf(w, "%s\t%v\t%.2f\t%s\t%d\n", obj.ID, obj.Visible, obj.Opacity, obj.Style.Color, obj.Vertices)
	}
	w.Flush()
}

func splitIDs(s string) []string {
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
