package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"secureflow/internal/audit"
	"secureflow/internal/detect"
	"secureflow/internal/otel"
	"secureflow/internal/scan"
	"secureflow/internal/stats"
	"secureflow/internal/trace"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"model":   s.registry.HasModel(),
	}
	if r.URL.Query().Get("detail") == "true" {
		resp["detectors"] = s.registry.Status()
		resp["audit"] = s.store != nil
	}
	writeJSON(w, http.StatusOK, resp)
}

type analyzeRequest struct {
	Text      string   `json:"text"`
	MaskLevel int      `json:"mask_level"`
	Types     []string `json:"types"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	s.scanAndRespond(w, r, scan.Request{
		Subject:   SubjectFromContext(r.Context()),
		Text:      req.Text,
		Event:     audit.TextScan,
		MaskLevel: req.MaskLevel,
		Types:     req.Types,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	ctx, tr := s.scanner.StartTrace(r.Context())
	defer func() { tr.LogAt(log.Logger, time.Now()) }()
	r = r.WithContext(ctx)

	endExtract := tr.Begin(trace.PhaseExtract)
	text, err := extractText(header.Filename, header.Header.Get("Content-Type"), file, s.maxUploadBytes)
	endExtract()
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUnsupportedFile) {
			status = http.StatusUnsupportedMediaType
		}
		writeError(w, status, err.Error())
		return
	}

	level := 0
	if v := r.FormValue("mask_level"); v != "" {
		if level, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "mask_level must be an integer")
			return
		}
	}
	s.scanAndRespond(w, r, scan.Request{
		Subject:   SubjectFromContext(r.Context()),
		Text:      scan.TruncateRunes(text, s.uploadTextLimit),
		Event:     audit.FileScan,
		FileName:  header.Filename,
		MaskLevel: level,
	})
}

func (s *Server) scanAndRespond(w http.ResponseWriter, r *http.Request, req scan.Request) {
	resp, err := s.scanner.Scan(r.Context(), req)
	if err != nil {
		if errors.Is(err, detect.ErrContractViolation) {
			writeError(w, http.StatusInternalServerError, "detection failed")
			return
		}
		log.Error().Func(otel.LogTraceFields(r.Context())).Err(err).Msg("scan failed")
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type logSummary struct {
	ID          string          `json:"id"`
	EventType   audit.EventType `json:"event_type"`
	Timestamp   time.Time       `json:"timestamp"`
	FileName    string          `json:"file_name,omitempty"`
	Sanitized   string          `json:"sanitized"`
	EntityTypes []string        `json:"entity_types"`
}

func (s *Server) handleLogsList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.store.List(r.Context(), audit.Query{Subject: SubjectFromContext(r.Context()), Limit: limit})
	if err != nil {
		log.Error().Func(otel.LogTraceFields(r.Context())).Err(err).Msg("listing audit entries")
		writeError(w, http.StatusInternalServerError, "logs fetch failed")
		return
	}
	out := make([]logSummary, 0, len(entries))
	for _, e := range entries {
		out = append(out, logSummary{
			ID:          e.ID,
			EventType:   e.EventType,
			Timestamp:   e.Timestamp,
			FileName:    e.FileName,
			Sanitized:   e.Sanitized,
			EntityTypes: e.EntityTypes,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// logDetail hides the sealed blob and carries the opened original instead.
type logDetail struct {
	audit.Entry
	SealedOriginal string `json:"sealed_original,omitempty"`
	Original       string `json:"original,omitempty"`
}

func (s *Server) handleLogGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	id := chi.URLParam(r, "id")
	entry, err := s.store.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		log.Error().Func(otel.LogTraceFields(r.Context())).Err(err).Msg("reading audit entry")
		writeError(w, http.StatusInternalServerError, "log fetch failed")
		return
	}
	if entry.Subject != SubjectFromContext(r.Context()) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	detail := logDetail{Entry: entry}
	if entry.SealedOriginal != "" && s.sealer != nil {
		original, err := s.sealer.Open(entry.SealedOriginal)
		if err != nil {
			log.Error().Func(otel.LogTraceFields(r.Context())).Err(err).Str("id", id).Msg("opening sealed original")
			writeError(w, http.StatusInternalServerError, "decryption failed")
			return
		}
		detail.Original = original
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	subject := SubjectFromContext(r.Context())
	entries, err := s.store.List(r.Context(), audit.Query{Subject: subject})
	if err != nil {
		log.Error().Func(otel.LogTraceFields(r.Context())).Err(err).Msg("listing audit entries")
		writeError(w, http.StatusInternalServerError, "stats fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, stats.CollectFromEntries(entries, stats.Options{Subject: subject}))
}
