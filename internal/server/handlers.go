package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hnplabs/fabric-sync/internal/errors"
	"github.com/hnplabs/fabric-sync/internal/fabric"
)

// Repositories

type createRepositoryRequest struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	AuthKind  string `json:"authKind"`
	SecretRef string `json:"secretRef"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrBadRequest, "invalid JSON body"))
		return
	}
	if req.Name == "" || req.URL == "" {
		s.writeError(w, errors.ValidationError("name and url are required"))
		return
	}
	switch fabric.AuthKind(req.AuthKind) {
	case fabric.AuthToken, fabric.AuthBasic, fabric.AuthSSH, fabric.AuthNone, "":
	default:
		s.writeError(w, errors.ValidationError("authKind must be token, basic, ssh, or none"))
		return
	}

	repo := &fabric.GitRepository{
		Name:      req.Name,
		URL:       req.URL,
		Branch:    req.Branch,
		AuthKind:  fabric.AuthKind(req.AuthKind),
		SecretRef: req.SecretRef,
	}
	if err := s.store.CreateRepository(r.Context(), repo); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepositories(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if repos == nil {
		repos = []fabric.GitRepository{}
	}
	s.writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.Context(), chi.URLParam(r, "repoID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, repo)
}

// Fabrics

type createFabricRequest struct {
	Name          string `json:"name"`
	RepositoryID  string `json:"repositoryId"`
	GitOpsDir     string `json:"gitopsDir"`
	KubeAPIURL    string `json:"kubeApiUrl"`
	KubeCAPEM     string `json:"kubeCaPem"`
	KubeSecretRef string `json:"kubeSecretRef"`
	KubeNamespace string `json:"kubeNamespace"`
}

func (s *Server) handleCreateFabric(w http.ResponseWriter, r *http.Request) {
	var req createFabricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.New(errors.ErrBadRequest, "invalid JSON body"))
		return
	}
	if req.Name == "" || req.RepositoryID == "" {
		s.writeError(w, errors.ValidationError("name and repositoryId are required"))
		return
	}

	f := &fabric.Fabric{
		Name:          req.Name,
		RepositoryID:  req.RepositoryID,
		GitOpsDir:     req.GitOpsDir,
		KubeAPIURL:    req.KubeAPIURL,
		KubeCAPEM:     req.KubeCAPEM,
		KubeSecretRef: req.KubeSecretRef,
		KubeNamespace: req.KubeNamespace,
	}
	if err := s.store.CreateFabric(r.Context(), f); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFabrics(w http.ResponseWriter, r *http.Request) {
	fabrics, err := s.store.ListFabrics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if fabrics == nil {
		fabrics = []fabric.Fabric{}
	}
	s.writeJSON(w, http.StatusOK, fabrics)
}

func (s *Server) handleGetFabric(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFabric(r.Context(), chi.URLParam(r, "fabricID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFabric(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteFabric(r.Context(), chi.URLParam(r, "fabricID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync operations

type startSyncRequest struct {
	Kind string `json:"kind"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errors.New(errors.ErrBadRequest, "invalid JSON body"))
			return
		}
	}
	kind := fabric.OpKind(req.Kind)
	switch kind {
	case "":
		kind = fabric.OpFullSync
	case fabric.OpFullSync, fabric.OpPull, fabric.OpPush, fabric.OpRepair:
	default:
		s.writeError(w, errors.ValidationError("kind must be full_sync, pull, push, or repair"))
		return
	}

	op, err := s.syncer.StartSync(r.Context(), chi.URLParam(r, "fabricID"), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.store.GetOperation(r.Context(), chi.URLParam(r, "opID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "opID")
	op, err := s.store.GetOperation(r.Context(), opID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if op.Status != fabric.OpRunning {
		s.writeError(w, errors.ValidationError("operation is not running"))
		return
	}
	s.syncer.Cancel(opID)
	s.writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	ops, err := s.store.ListOperations(r.Context(), chi.URLParam(r, "fabricID"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []fabric.SyncOperation{}
	}
	s.writeJSON(w, http.StatusOK, ops)
}

// Resources and drift

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.store.ListResources(r.Context(), chi.URLParam(r, "fabricID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resources == nil {
		resources = []fabric.ManagedResource{}
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := resources[:0]
		for _, res := range resources {
			if res.DriftState == fabric.DriftState(state) {
				filtered = append(filtered, res)
			}
		}
		resources = filtered
	}
	s.writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	desc, err := fabric.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.store.GetResource(r.Context(), chi.URLParam(r, "fabricID"), desc.Kind, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	fabricID := chi.URLParam(r, "fabricID")
	if _, err := s.store.GetFabric(r.Context(), fabricID); err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.syncer.ComputeDrift(r.Context(), fabricID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// Explicit repair actions

func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.Adopt(r.Context(),
		chi.URLParam(r, "fabricID"), chi.URLParam(r, "kind"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApplyToCluster(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.ApplyToCluster(r.Context(),
		chi.URLParam(r, "fabricID"), chi.URLParam(r, "kind"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveFromCluster(w http.ResponseWriter, r *http.Request) {
	err := s.syncer.RemoveFromCluster(r.Context(),
		chi.URLParam(r, "fabricID"), chi.URLParam(r, "kind"), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
