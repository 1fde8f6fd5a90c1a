package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
)

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	var req addFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.FilePath = strings.TrimSpace(req.FilePath)
	req.UserEmail = strings.TrimSpace(req.UserEmail)
	if req.FilePath == "" || req.UserEmail == "" {
		writeError(w, http.StatusBadRequest, "Missing file_path or user_email")
		return
	}

	file, err := s.coord.Register(r.Context(), req.FilePath, req.UserEmail)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", req.FilePath).Msg("Add file failed")
		switch {
		case errors.Is(err, models.ErrFileAccess):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, models.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	registered := file.State == models.StateAnchored
	message := "File added to monitoring and registered on the blockchain"
	if !registered {
		message = "File added to monitoring; blockchain registration pending"
	}
	writeJSON(w, http.StatusOK, addFileResponse{
		basicResponse:        basicResponse{Success: true, Message: message},
		BlockchainRegistered: registered,
		State:                file.State,
	})
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	var req removeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if strings.TrimSpace(req.FilePath) == "" {
		writeError(w, http.StatusBadRequest, "Missing file_path")
		return
	}

	if err := s.coord.Remove(r.Context(), req.FilePath); err != nil {
		switch {
		case errors.Is(err, models.ErrNotMonitored):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, models.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error().Err(err).Str("path", req.FilePath).Msg("Remove file failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, basicResponse{Success: true, Message: "File removed from monitoring"})
}

func (s *Server) handleMonitoredFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListActiveFiles(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("List monitored files failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]monitoredFileView, 0, len(files))
	for _, f := range files {
		views = append(views, monitoredFileView{
			Path:         f.Path,
			Digest:       f.Digest,
			TrackedSince: f.TrackedSince.UTC().Format(time.RFC3339),
			Recipient:    f.Recipient,
			State:        f.State,
			LastError:    f.LastError,
		})
	}
	writeJSON(w, http.StatusOK, monitoredFilesResponse{
		basicResponse: basicResponse{Success: true, Message: "OK"},
		Files:         views,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.DefaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts, err := s.store.ListRecentAlerts(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("List alerts failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []models.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, alertsResponse{
		basicResponse: basicResponse{Success: true, Message: "OK"},
		Alerts:        alerts,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListActiveFiles(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Health check store query failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	connected := s.ledger.Connected(r.Context())
	message := "System healthy"
	if !connected {
		message = "Blockchain unreachable"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		basicResponse:       basicResponse{Success: true, Message: message},
		BlockchainConnected: connected,
		MonitoredFiles:      len(files),
		Resources:           s.resources(),
	})
}
