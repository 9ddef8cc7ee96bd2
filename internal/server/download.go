package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"quickdrop/internal/lifecycle"
	"quickdrop/internal/logging"
	"quickdrop/internal/token"
)

// handleDownload handles GET /download/{token}. The retrieval is counted
// before the first byte is written; a client that drops mid-transfer has
// still used it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	tok := r.PathValue("token")
	if !token.Valid(tok) {
		http.Error(w, goneMessage, http.StatusNotFound)
		return
	}

	p, err := s.lc.TryConsume(r.Context(), tok)
	if err != nil {
		status, msg := httpStatus(err)
		fields := map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"token":      logging.Token(tok),
		}
		if errors.Is(err, lifecycle.ErrDenied) {
			fields["reason"] = lifecycle.DenialReason(err)
			s.log.Debug("download_denied", fields)
			http.Error(w, goneMessage, http.StatusNotFound)
			return
		}
		s.log.Error("download_failed", fields, err)
		http.Error(w, msg, status)
		return
	}
	defer func() { _ = p.Close() }()

	obj := p.Object
	if obj.State != lifecycle.StateActive {
		s.qr.Forget(s.downloadURL(r, tok))
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(obj.SizeBytes, 10))
	h.Set("Content-Disposition", contentDisposition(obj.OriginalName))
	h.Set("Cache-Control", "no-store")
	if obj.SHA256 != "" {
		h.Set("X-Content-SHA256", obj.SHA256)
	}
	h.Set("X-Downloads-Remaining", strconv.Itoa(obj.MaxRetrievals-obj.RetrievalCount))
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	n, err := io.Copy(w, p)
	if s.metrics != nil {
		s.metrics.ObserveServed(n)
	}
	fields := map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"token":      logging.Token(tok),
		"bytes":      n,
		"ms":         time.Since(start).Milliseconds(),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("download_interrupted", mergeErr(fields, err))
		return
	}
	s.log.Info("download_served", fields)
}

// handleDownloadHead rejects HEAD explicitly; otherwise the GET route would
// answer it and count a retrieval for a link preview.
func (s *Server) handleDownloadHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// handleStatus handles GET /status/{token}. It never counts a retrieval.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tok := r.PathValue("token")
	w.Header().Set("Cache-Control", "no-store")
	if token.Valid(tok) && s.lc.Status(tok) == lifecycle.StatusActive {
		writeJSON(w, http.StatusOK, map[string]string{"status": lifecycle.StatusActive.String()})
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"status": lifecycle.StatusGone.String()})
}

// handleQR handles GET /qr/{token}: a PNG of the download URL while the
// link is active.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	tok := r.PathValue("token")
	if !token.Valid(tok) || s.lc.Status(tok) != lifecycle.StatusActive {
		http.Error(w, goneMessage, http.StatusNotFound)
		return
	}
	png, err := s.qr.PNG(s.downloadURL(r, tok))
	if err != nil {
		s.log.Error("qr_render_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"token":      logging.Token(tok),
		}, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func mergeErr(fields map[string]any, err error) map[string]any {
	fields["error"] = err.Error()
	return fields
}
