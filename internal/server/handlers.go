package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dativo-io/privypress/internal/document"
	"github.com/dativo-io/privypress/internal/ingest"
	"github.com/dativo-io/privypress/internal/jobs"
	"github.com/dativo-io/privypress/internal/manifest"
	privyotel "github.com/dativo-io/privypress/internal/otel"
	"github.com/dativo-io/privypress/internal/redact"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// Profiles offered by the upload form.
var Profiles = []string{"strict", "balanced"}

// multipart framing allowance on top of the file limit
const formOverhead = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if s.version != "" {
		resp["version"] = s.version
	}
	if s.rules == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if rs := s.rules.Current(); rs != nil {
		resp["rules"] = map[string]interface{}{
			"fingerprint": rs.Fingerprint(),
			"count":       rs.Len(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	data := struct {
		Profiles []string
		Default  string
	}{Profiles, s.defaultProfile}
	if err := indexTmpl.Execute(&buf, data); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

type uploadResponse struct {
	JobID  string             `json:"job_id"`
	Status string             `json:"status"`
	Policy *manifest.Decision `json:"policy"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "multipart form with a file field is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, s.maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "reading upload: "+err.Error())
		return
	}
	if int64(len(raw)) > s.maxUpload {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload exceeds the size limit")
		return
	}

	profile := r.FormValue("policy_profile")
	if profile == "" {
		profile = s.defaultProfile
	}
	mediaType := ingest.ResolveType(header.Header.Get("Content-Type"), header.Filename)

	job, err := s.pipeline.Submit(r.Context(), raw, mediaType, profile)
	if err != nil {
		s.writeUploadError(r.Context(), w, job, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{JobID: job.ID, Status: job.Status(), Policy: job.Decision})
}

func (s *Server) writeUploadError(ctx context.Context, w http.ResponseWriter, job *jobs.Job, err error) {
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "unsupported_format", err.Error())
	case errors.Is(err, ingest.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, document.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, "invalid_document", err.Error())
	case errors.Is(err, redact.ErrRender) && job != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "render_failed",
			"message": err.Error(),
			"job_id":  job.ID,
		})
	default:
		log.Error().Err(err).Func(privyotel.LogFields(ctx)).Msg("upload_failed")
		s.writeStoreError(w, err)
	}
}

// writeStoreError maps job store errors to responses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, jobs.ErrForbidden):
		writeError(w, http.StatusForbidden, "policy_denied", err.Error())
	case errors.Is(err, jobs.ErrSignature):
		writeError(w, http.StatusInternalServerError, "integrity_error", "job record failed verification")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type jobView struct {
	*jobs.Job
	Status string `json:"status"`
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView{Job: job, Status: job.Status()})
}

func (s *Server) handleJobPDF(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pdf, err := s.store.Artifact(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrSignature) {
			log.Error().Err(err).Str("job_id", id).Msg("artifact_rejected")
		}
		s.writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(pdf)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": list, "count": len(list)})
}
