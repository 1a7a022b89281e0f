// Package api provides HTTP handlers for the neuron geometry server.
package api

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neuronviewer/server/internal/meshstore"
	"github.com/neuronviewer/server/internal/model"
	"github.com/neuronviewer/server/internal/service"
	"github.com/neuronviewer/server/internal/tracestore"
)

const defaultMaxUploadBytes = 32 << 20

// RouterConfig contains router configuration.
type RouterConfig struct {
	Tracings    *service.TracingService
	Meshes      *service.MeshService
	Registry    *MeshSetRegistry
	Imports     *ImportJobManager
	CORSOrigins []string
	// MaxUploadBytes caps SWC and mesh uploads.
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Static compartment meshes
	r.Get("/meshes/{version}/{file}", meshHandler(cfg.Meshes, cfg.Registry))

	r.Route("/api", func(r chi.Router) {
		r.Get("/meshsets", meshSetsHandler(cfg.Registry))
		r.Get("/meshsets/{version}/meshes", meshListHandler(cfg.Meshes, cfg.Registry))
		r.Put("/meshsets/{version}/meshes/{file}", meshUploadHandler(cfg.Meshes, cfg.Registry, cfg.MaxUploadBytes))

		r.Get("/neurons", neuronsHandler(cfg.Tracings))
		r.Delete("/neurons/{id}", neuronDeleteHandler(cfg.Tracings))

		r.Post("/tracings", tracingsHandler(cfg.Tracings, cfg.MaxUploadBytes))
		r.Get("/tracings/{id}/preview.png", previewHandler(cfg.Tracings))

		r.Get("/compartments", compartmentsHandler(cfg.Tracings))
		r.Put("/compartments", compartmentsUpdateHandler(cfg.Tracings, cfg.MaxUploadBytes))

		// SWC import jobs
		r.Route("/imports", func(r chi.Router) {
			r.Post("/", importSubmitHandler(cfg.Imports, cfg.MaxUploadBytes))
			r.Get("/{job_id}", importStatusHandler(cfg.Imports))
			r.Delete("/{job_id}", importCancelHandler(cfg.Imports))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// meshSetsHandler returns the list of configured mesh sets.
func meshSetsHandler(registry *MeshSetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultVersion(),
			"meshsets": registry.MeshSets(),
			"title":    registry.Title(),
		})
	}
}

// meshFileKey validates the version and file URL params and returns the store key.
func meshFileKey(r *http.Request, registry *MeshSetRegistry) (string, int, string) {
	version, ok := registry.Resolve(chi.URLParam(r, "version"))
	if !ok {
		return "", http.StatusNotFound, "mesh set not found: " + chi.URLParam(r, "version")
	}
	file := chi.URLParam(r, "file")
	structureID := strings.TrimSuffix(file, ".obj")
	if structureID == file || structureID == "" || strings.ContainsAny(structureID, "/\\") {
		return "", http.StatusBadRequest, "invalid mesh file: " + file
	}
	return model.MeshPath(version, structureID), 0, ""
}

// meshHandler serves a compartment mesh from the mesh store.
func meshHandler(meshes *service.MeshService, registry *MeshSetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, status, msg := meshFileKey(r, registry)
		if status != 0 {
			http.Error(w, msg, status)
			return
		}

		data, err := meshes.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, meshstore.ErrNotFound) {
				http.Error(w, "mesh not found", http.StatusNotFound)
				return
			}
			http.Error(w, "failed to load mesh", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "model/obj")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func meshListHandler(meshes *service.MeshService, registry *MeshSetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := registry.Resolve(chi.URLParam(r, "version"))
		if !ok {
			http.Error(w, "mesh set not found", http.StatusNotFound)
			return
		}
		keys, err := meshes.List(r.Context(), version+"/")
		if err != nil {
			http.Error(w, "failed to list meshes: "+err.Error(), http.StatusInternalServerError)
			return
		}
		files := make([]string, 0, len(keys))
		for _, k := range keys {
			files = append(files, path.Base(k))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"version": version,
			"meshes":  files,
			"total":   len(files),
		})
	}
}

func meshUploadHandler(meshes *service.MeshService, registry *MeshSetRegistry, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, status, msg := meshFileKey(r, registry)
		if status != 0 {
			http.Error(w, msg, status)
			return
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			http.Error(w, "failed to read mesh: "+err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if len(data) == 0 {
			http.Error(w, "empty mesh", http.StatusBadRequest)
			return
		}
		if err := meshes.Put(r.Context(), key, data); err != nil {
			http.Error(w, "failed to store mesh: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func neuronsHandler(svc *service.TracingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		neurons, err := svc.Neurons(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, neurons)
	}
}

func neuronDeleteHandler(svc *service.TracingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := svc.DeleteNeuron(r.Context(), chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, "neuron not found", http.StatusNotFound)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// tracingsHandler serves batched tracing geometry.
func tracingsHandler(svc *service.TracingService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.TracingRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		batch, err := svc.Tracings(r.Context(), req.IDs)
		switch {
		case errors.Is(err, service.ErrEmptyBatch):
			http.Error(w, "ids is required", http.StatusBadRequest)
			return
		case errors.Is(err, service.ErrBatchTooLarge):
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, batch)
	}
}

func previewHandler(svc *service.TracingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := svc.Preview(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("colormap"))
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				http.Error(w, "tracing not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}

func compartmentsHandler(svc *service.TracingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		compartments, err := svc.Compartments(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, compartments)
	}
}

func compartmentsUpdateHandler(svc *service.TracingService, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var compartments []model.Compartment
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes)).Decode(&compartments); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := svc.SetCompartments(r.Context(), compartments); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// importSubmitHandler accepts a raw SWC body. The neuron id defaults to the source file name.
func importSubmitHandler(jm *ImportJobManager, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import job manager not configured", http.StatusNotImplemented)
			return
		}

		q := r.URL.Query()
		params := tracestore.ImportParams{
			Source:   strings.TrimSpace(q.Get("source")),
			NeuronID: strings.TrimSpace(q.Get("neuron_id")),
			Label:    strings.TrimSpace(q.Get("label")),
		}
		if params.NeuronID == "" && params.Source != "" {
			params.NeuronID = strings.TrimSuffix(path.Base(params.Source), path.Ext(params.Source))
		}
		if params.NeuronID == "" {
			http.Error(w, "neuron_id is required", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(params, http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			if errors.Is(err, ErrQueueFull) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func importStatusHandler(jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func importCancelHandler(jm *ImportJobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "import job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status.Terminal() {
			http.Error(w, "job already finished", http.StatusConflict)
			return
		}

		if !jm.Cancel(jobID) {
			http.Error(w, "job could not be cancelled", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": jobID,
			"status": "cancelling",
		})
	}
}
