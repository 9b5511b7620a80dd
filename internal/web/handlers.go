package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openrates/geostage/internal/analysis"
	"github.com/openrates/geostage/internal/logging"
	"github.com/openrates/geostage/internal/mapping"
	"github.com/openrates/geostage/internal/pipeline"
	"github.com/openrates/geostage/internal/web/middleware"
)

// handleAnalyze runs structural analysis on an uploaded payload. The file
// arrives as a multipart "file" part, as the raw request body with a
// filename query parameter, or as a JSON body naming an object-storage key
// or carrying inline base64 data.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Analysis.MaxFileSize)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		s.handleAnalyzeJSON(w, r)
		return
	}

	filename, declaredMIME, data, err := s.readPayload(r)
	if err != nil {
		respondBadRequest(w, err.Error())
		return
	}
	if len(data) == 0 {
		respondBadRequest(w, "empty payload")
		return
	}

	ctx, cancel := contextWithTimeout(r, s.cfg.Analysis.Timeout)
	defer cancel()

	report, err := s.analyzer.Analyze(ctx, filename, declaredMIME, data)
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondAnalysis(w, r, report)
}

type analyzeRequest struct {
	Filename  string `json:"filename"`
	ObjectKey string `json:"objectKey,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// handleAnalyzeJSON analyzes an object-storage payload by key, or inline
// base64 data. Object-backed analyses re-read through the store, so
// archive classification retries contended reads.
func (s *Server) handleAnalyzeJSON(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.Filename == "" {
		respondBadRequest(w, "filename is required")
		return
	}

	ctx, cancel := contextWithTimeout(r, s.cfg.Analysis.Timeout)
	defer cancel()

	var report *analysis.Report
	var err error
	switch {
	case req.ObjectKey != "":
		report, err = s.analyzer.AnalyzeObject(ctx, req.Filename, "", func(ctx context.Context) ([]byte, error) {
			return s.payloads.Fetch(ctx, req.ObjectKey)
		})
	case len(req.Data) > 0:
		report, err = s.analyzer.Analyze(ctx, req.Filename, "", req.Data)
	default:
		respondBadRequest(w, "objectKey or data is required")
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	s.respondAnalysis(w, r, report)
}

func (s *Server) respondAnalysis(w http.ResponseWriter, r *http.Request, report *analysis.Report) {
	analysesTotal.WithLabelValues(string(report.Kind)).Inc()
	logging.FromContext(r.Context()).Info("analysis served",
		"filename", report.Filename, "kind", string(report.Kind))
	respondJSON(w, http.StatusOK, report)
}

// readPayload extracts the filename, declared MIME type and bytes from a
// multipart form or the raw body.
func (s *Server) readPayload(r *http.Request) (string, string, []byte, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.cfg.Analysis.MaxFileSize); err != nil {
			return "", "", nil, fmt.Errorf("parse multipart form: %w", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", "", nil, fmt.Errorf("missing file part: %w", err)
		}
		defer file.Close()
		data, err := readAll(file)
		if err != nil {
			return "", "", nil, err
		}
		return header.Filename, header.Header.Get("Content-Type"), data, nil
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		return "", "", nil, fmt.Errorf("filename query parameter is required for raw uploads")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", "", nil, fmt.Errorf("read body: %w", err)
	}
	return filename, contentType, data, nil
}

// handleGetAnalysis serves a cached report by ID. Reports are evicted on
// cache pressure; a miss is a 404.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	report, ok := s.analyzer.Report(chi.URLParam(r, "analysisID"))
	if !ok {
		respondJSON(w, http.StatusNotFound, ErrorResponse{
			Error: "analysis not found or evicted",
			Code:  "NOT_FOUND",
		})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func readAll(f multipart.File) ([]byte, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read file part: %w", err)
	}
	return data, nil
}

type createUploadRequest struct {
	DatasetID string `json:"datasetId"`
	Filename  string `json:"filename"`
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondUnauthorized(w)
		return
	}

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.DatasetID == "" || req.Filename == "" {
		respondBadRequest(w, "datasetId and filename are required")
		return
	}

	upload, err := s.pipe.Create(r.Context(), req.DatasetID, req.Filename, actor)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, upload)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := s.pipe.Get(r.Context(), chi.URLParam(r, "uploadID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, upload)
}

type transitionRequest struct {
	Version int    `json:"version"`
	Notes   string `json:"notes"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "approve", s.pipe.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "reject", s.pipe.Reject)
}

type transitionFunc func(ctx context.Context, uploadID string, actor pipeline.Actor, notes string, expectedVersion int) (*pipeline.Upload, error)

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, action string, apply transitionFunc) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondUnauthorized(w)
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.Version <= 0 {
		respondBadRequest(w, "version is required")
		return
	}

	upload, err := apply(r.Context(), chi.URLParam(r, "uploadID"), actor, req.Notes, req.Version)
	if err != nil {
		respondError(w, r, err)
		return
	}
	transitionsTotal.WithLabelValues(action, string(upload.Stage)).Inc()
	respondJSON(w, http.StatusOK, upload)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")

	// Surface 404 for unknown uploads rather than an empty history.
	if _, err := s.pipe.Get(r.Context(), uploadID); err != nil {
		respondError(w, r, err)
		return
	}

	entries, err := s.pipe.History(r.Context(), uploadID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if entries == nil {
		entries = []pipeline.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDatasetUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.pipe.UploadsByDataset(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if uploads == nil {
		uploads = []pipeline.Upload{}
	}
	respondJSON(w, http.StatusOK, uploads)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.configs.ActiveConfigs(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if configs == nil {
		configs = []mapping.SavedConfig{}
	}
	respondJSON(w, http.StatusOK, configs)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.ActiveConfig(r.Context(), chi.URLParam(r, "datasetID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

type saveConfigRequest struct {
	Fields []mapping.FieldMapping `json:"fields"`
}

// handleSaveConfig saves a new mapping config version for a dataset and
// activates it. Prior versions stay on record, deactivated.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ActorFromContext(r.Context()); !ok {
		respondUnauthorized(w)
		return
	}

	var req saveConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Fields) == 0 {
		respondBadRequest(w, "fields are required")
		return
	}

	saved, err := s.configs.SaveConfig(r.Context(), mapping.SavedConfig{
		ID:        uuid.New().String(),
		DatasetID: chi.URLParam(r, "datasetID"),
		Fields:    req.Fields,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

type saveStructureRequest struct {
	Name   string                 `json:"name"`
	Fields []mapping.FieldMapping `json:"fields"`
}

func (s *Server) handleSaveStructure(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ActorFromContext(r.Context()); !ok {
		respondUnauthorized(w)
		return
	}

	var req saveStructureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" || len(req.Fields) == 0 {
		respondBadRequest(w, "name and fields are required")
		return
	}

	saved, err := s.configs.SaveStructure(r.Context(), mapping.DatasetStructure{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Fields:    req.Fields,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetStructure(w http.ResponseWriter, r *http.Request) {
	st, err := s.configs.Structure(r.Context(), chi.URLParam(r, "structureID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handlePutPayload stores the raw file bytes for an upload in object
// storage, keyed by upload ID. The upload record must exist first.
func (s *Server) handlePutPayload(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.ActorFromContext(r.Context()); !ok {
		respondUnauthorized(w)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	if _, err := s.pipe.Get(r.Context(), uploadID); err != nil {
		respondError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Analysis.MaxFileSize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		respondBadRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	if len(data) == 0 {
		respondBadRequest(w, "empty payload")
		return
	}

	if err := s.payloads.Put(r.Context(), payloadKey(uploadID), data, r.Header.Get("Content-Type")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadID")
	if _, err := s.pipe.Get(r.Context(), uploadID); err != nil {
		respondError(w, r, err)
		return
	}

	data, err := s.payloads.Fetch(r.Context(), payloadKey(uploadID))
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func payloadKey(uploadID string) string {
	return "uploads/" + uploadID
}

func respondUnauthorized(w http.ResponseWriter) {
	respondJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error: "actor identity headers are required",
		Code:  "NO_ACTOR",
	})
}

// contextWithTimeout bounds long-running work below the middleware
// request timeout.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), d)
}
