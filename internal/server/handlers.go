package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/dotscan/internal/credential"
	"github.com/zombor/dotscan/internal/pipeline"
	"github.com/zombor/dotscan/internal/report"
	"github.com/zombor/dotscan/internal/scanning"
)

// errorResponse is the JSON body of every failed API call
type errorResponse struct {
	Error              string `json:"error"`
	Detail             string `json:"detail,omitempty"`
	Kind               string `json:"kind,omitempty"`
	CredentialRequired bool   `json:"credential_required"`
}

// credentialStatus is the JSON body of GET /api/credential
type credentialStatus struct {
	Configured    bool   `json:"configured"`
	Source        string `json:"source,omitempty"`
	EntryRequired bool   `json:"entry_required"`
}

type credentialRequest struct {
	Key string `json:"key"`
}

type exportRequest struct {
	Session report.Session          `json:"session"`
	Items   []scanning.ScannedItem `json:"items"`
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes an errorResponse with CORS headers set
func writeError(w http.ResponseWriter, code int, body errorResponse) {
	setCORSHeaders(w)
	writeJSON(w, code, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetCredential reports whether an API key is configured without revealing it
func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request) {
	status := credentialStatus{EntryRequired: s.cfg.Entry.Required()}
	if cred, err := s.cfg.Credentials.Resolve(); err == nil {
		status.Configured = true
		status.Source = string(cred.Source)
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePutCredential saves an operator-supplied API key
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Detail: err.Error()})
		return
	}

	if err := s.cfg.Credentials.Set(req.Key); err != nil {
		if errors.Is(err, credential.ErrEmptyCredential) {
			writeError(w, http.StatusBadRequest, errorResponse{Error: "An API key is required", CredentialRequired: true})
			return
		}
		if errors.Is(err, credential.ErrPlaceholderCredential) {
			writeError(w, http.StatusBadRequest, errorResponse{Error: "That API key is a sample value", CredentialRequired: true})
			return
		}
		slog.Error("Error saving credential", "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Error saving API key", Detail: err.Error()})
		return
	}

	s.cfg.Entry.done()
	slog.Info("API key saved")
	s.handleGetCredential(w, r)
}

// handleDeleteCredential removes the stored API key
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Credentials.Clear(); err != nil {
		slog.Error("Error clearing credential", "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Error clearing API key", Detail: err.Error()})
		return
	}
	slog.Info("Stored API key cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleScan runs every uploaded file through the pipeline as one batch
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		msg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg = fmt.Sprintf("Upload is too large. Maximum size is %dMB. Please send fewer or smaller photos.", maxSize>>20)
		}
		writeError(w, http.StatusBadRequest, errorResponse{Error: msg})
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "No photos were selected. Please choose at least one photo."})
		return
	}

	images := make([]pipeline.Image, 0, len(headers))
	for _, header := range headers {
		img, err := readImage(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, http.StatusInternalServerError, errorResponse{Error: "Error reading file. Please try again."})
			return
		}
		images = append(images, img)
	}

	result, err := s.cfg.Analyzer.Analyze(r.Context(), images)
	if err != nil {
		var pipeErr *pipeline.Error
		if !errors.As(err, &pipeErr) {
			slog.Error("Error analyzing batch", "images", len(images), "error", err)
			writeError(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
			return
		}

		writeError(w, statusFor(pipeErr.Kind), errorResponse{
			Error:              pipeErr.Message,
			Detail:             pipeErr.Detail,
			Kind:               string(pipeErr.Kind),
			CredentialRequired: pipeErr.Kind == pipeline.ErrorCredentialRequired,
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statusFor maps a pipeline failure to an HTTP status
func statusFor(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.ErrorCredentialRequired:
		return http.StatusPreconditionRequired
	case pipeline.ErrorNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func readImage(header *multipart.FileHeader) (pipeline.Image, error) {
	f, err := header.Open()
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.Image{}, fmt.Errorf("reading upload: %w", err)
	}

	return pipeline.Image{
		Name:     header.Filename,
		Data:     data,
		MimeType: contentTypeOf(header),
	}, nil
}

// contentTypeOf uses the part's declared type, falling back to the file extension
func contentTypeOf(header *multipart.FileHeader) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(header.Filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleExport renders a report from reconciled items and session metadata
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Unsupported report format", Detail: err.Error()})
		return
	}

	var req exportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body", Detail: err.Error()})
		return
	}

	rendered, err := s.cfg.Exporter.Export(format, req.Session, req.Items)
	if err != nil {
		slog.Error("Error exporting report", "format", format, "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Error creating report", Detail: err.Error()})
		return
	}

	w.Header().Set("Content-Type", rendered.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rendered.Filename))
	w.Write(rendered.Data)
}

// handleListReports returns the names of kept report copies
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reports == nil {
		writeJSON(w, http.StatusOK, []string{})
		return
	}

	names, err := s.cfg.Reports.List()
	if err != nil {
		slog.Error("Error listing reports", "error", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// handleGetReport downloads a kept report copy
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.cfg.Reports == nil || name == "" {
		writeError(w, http.StatusNotFound, errorResponse{Error: "Report not found"})
		return
	}

	data, err := s.cfg.Reports.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, errorResponse{Error: "Report not found"})
		return
	}

	format := report.FormatCSV
	if strings.EqualFold(filepath.Ext(name), ".xlsx") {
		format = report.FormatXLSX
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(name)))
	w.Write(data)
}
