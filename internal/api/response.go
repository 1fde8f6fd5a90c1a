package api

import (
	"encoding/json"
	"net/http"

	"github.com/aleister1102/anchorwatch/internal/health"
	"github.com/aleister1102/anchorwatch/internal/models"
)

type addFileRequest struct {
	FilePath  string `json:"file_path"`
	UserEmail string `json:"user_email"`
}

type removeFileRequest struct {
	FilePath string `json:"file_path"`
}

type basicResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type addFileResponse struct {
	basicResponse
	BlockchainRegistered bool             `json:"blockchain_registered"`
	State                models.FileState `json:"state"`
}

type monitoredFileView struct {
	Path         string           `json:"file_path"`
	Digest       string           `json:"hash"`
	TrackedSince string           `json:"last_modified"`
	Recipient    string           `json:"user_email"`
	State        models.FileState `json:"state"`
	LastError    string           `json:"last_error,omitempty"`
}

type monitoredFilesResponse struct {
	basicResponse
	Files []monitoredFileView `json:"files"`
}

type alertsResponse struct {
	basicResponse
	Alerts []models.AlertEvent `json:"alerts"`
}

type healthResponse struct {
	basicResponse
	BlockchainConnected bool                 `json:"blockchain_connected"`
	MonitoredFiles      int                  `json:"monitored_files"`
	Resources           health.ResourceUsage `json:"resources"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, basicResponse{Success: false, Message: message})
}
