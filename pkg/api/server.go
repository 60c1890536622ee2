package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/flow"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/manager"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/scheduler"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Cluster is the subset of control-plane membership the API exposes.
// Nil when running single-node.
type Cluster interface {
	AddVoter(nodeID, address string) error
	RemoveServer(nodeID string) error
	IsLeader() bool
	LeaderAddr() string
	Stats() map[string]interface{}
}

// Server is the HTTP front end of the control plane
type Server struct {
	store   storage.Store
	manager *manager.VolumeManager
	cluster Cluster
	logger  zerolog.Logger
}

// NewServer creates the API server
func NewServer(store storage.Store, mgr *manager.VolumeManager, cluster Cluster) *Server {
	return &Server{
		store:   store,
		manager: mgr,
		cluster: cluster,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the chi router with all routes mounted
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/volumes", func(r chi.Router) {
			r.Post("/", s.handleCreateVolume)
			r.Get("/", s.handleListVolumes)
			r.Get("/{id}", s.handleGetVolume)
			r.Delete("/{id}", s.handleDeleteVolume)
			r.Post("/{id}/attach", s.handleAttach)
			r.Post("/{id}/detach", s.handleDetach)
			r.Post("/{id}/extend", s.handleExtend)
			r.Post("/{id}/migrate", s.handleMigrate)
			r.Post("/{id}/snapshots", s.handleCreateSnapshot)
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handleListSnapshots)
			r.Get("/{id}", s.handleGetSnapshot)
			r.Delete("/{id}", s.handleDeleteSnapshot)
		})

		r.Route("/types", func(r chi.Router) {
			r.Post("/", s.handleCreateVolumeType)
			r.Get("/", s.handleListVolumeTypes)
		})

		r.Route("/hosts", func(r chi.Router) {
			r.Post("/", s.handleRegisterHost)
			r.Get("/", s.handleListHosts)
		})

		r.Get("/quotas/{project}", s.handleGetQuota)

		r.Route("/cluster", func(r chi.Router) {
			r.Post("/join", s.handleClusterJoin)
			r.Get("/status", s.handleClusterStatus)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createVolumeRequest is the JSON body for volume creation
type createVolumeRequest struct {
	ProjectID        string            `json:"project_id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	SizeGB           int               `json:"size_gb"`
	SnapshotID       string            `json:"snapshot_id,omitempty"`
	SourceVolID      string            `json:"source_volid,omitempty"`
	ImageID          string            `json:"image_id,omitempty"`
	VolumeTypeID     string            `json:"volume_type_id,omitempty"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
}

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var body createVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	req := &types.VolumeRequest{
		ProjectID:        body.ProjectID,
		Name:             body.Name,
		Description:      body.Description,
		SizeGB:           body.SizeGB,
		SnapshotID:       body.SnapshotID,
		SourceVolID:      body.SourceVolID,
		ImageID:          body.ImageID,
		VolumeTypeID:     body.VolumeTypeID,
		AvailabilityZone: body.AvailabilityZone,
		Metadata:         body.Metadata,
	}
	if body.MaxRetries > 0 {
		req.FilterProperties = &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: body.MaxRetries},
		}
	}

	vol, err := s.manager.Create(r.Context(), req)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, vol)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	var (
		vols []*types.Volume
		err  error
	)
	if project := r.URL.Query().Get("project_id"); project != "" {
		vols, err = s.store.ListVolumesByProject(project)
	} else {
		vols, err = s.store.ListVolumes()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vols)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	vol, err := s.store.GetVolume(chi.URLParam(r, "id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vol)
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Consumer string `json:"consumer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Consumer == "" {
		writeError(w, http.StatusBadRequest, "consumer is required")
		return
	}
	if err := s.manager.Attach(r.Context(), chi.URLParam(r, "id"), body.Consumer); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Detach(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewSizeGB int `json:"new_size_gb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Extend(r.Context(), chi.URLParam(r, "id"), body.NewSizeGB); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DestHost        string `json:"dest_host"`
		DeadlineSeconds int    `json:"deadline_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DestHost == "" {
		writeError(w, http.StatusBadRequest, "dest_host is required")
		return
	}
	deadline := time.Duration(body.DeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}

	target, err := s.manager.Migrate(r.Context(), chi.URLParam(r, "id"), body.DestHost, deadline)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	snap, err := s.manager.CreateSnapshot(r.Context(), chi.URLParam(r, "id"), body.Name)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.GetSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteSnapshot(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeManagerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateVolumeType(w http.ResponseWriter, r *http.Request) {
	var vt types.VolumeType
	if err := json.NewDecoder(r.Body).Decode(&vt); err != nil || vt.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if vt.ID == "" {
		vt.ID = uuid.New().String()
	}
	vt.CreatedAt = time.Now()
	if err := s.store.CreateVolumeType(&vt); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &vt)
}

func (s *Server) handleListVolumeTypes(w http.ResponseWriter, r *http.Request) {
	vts, err := s.store.ListVolumeTypes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, vts)
}

func (s *Server) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var host types.Host
	if err := json.NewDecoder(r.Body).Decode(&host); err != nil || host.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if host.ID == "" {
		host.ID = host.Name
	}
	if host.Status == "" {
		host.Status = types.HostStatusReady
	}
	host.LastHeartbeat = time.Now()
	host.CreatedAt = time.Now()
	if err := s.store.CreateHost(&host); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, &host)
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	usages, err := s.store.ListQuotaUsage(chi.URLParam(r, "project"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usages)
}

func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusNotImplemented, "not running in cluster mode")
		return
	}
	var body struct {
		NodeID  string `json:"node_id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" || body.Address == "" {
		writeError(w, http.StatusBadRequest, "node_id and address are required")
		return
	}
	if err := s.cluster.AddVoter(body.NodeID, body.Address); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"mode": "standalone"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":   "cluster",
		"leader": s.cluster.LeaderAddr(),
		"stats":  s.cluster.Stats(),
	})
}

// writeManagerError maps domain errors onto HTTP status codes
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrVolumeNotFound),
		errors.Is(err, storage.ErrSnapshotNotFound),
		errors.Is(err, storage.ErrVolumeTypeNotFound),
		errors.Is(err, storage.ErrHostNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrInvalidStatus),
		errors.Is(err, manager.ErrVolumeAttached):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrNoValidHost):
		writeError(w, http.StatusConflict, err.Error())
	case isQuotaError(err):
		writeError(w, http.StatusForbidden, err.Error())
	case isInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func isQuotaError(err error) bool {
	var oq *quota.OverQuotaError
	return errors.As(err, &oq)
}

func isInputError(err error) bool {
	switch flow.KindOf(err) {
	case flow.KindInvalidInput, flow.KindInvalidSnapshot, flow.KindInvalidVolume,
		flow.KindInvalidVolumeType, flow.KindInvalidMetadata, flow.KindInvalidMetadataSize:
		return true
	default:
		return false
	}
}

// Serve runs the HTTP server until the context is cancelled
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
