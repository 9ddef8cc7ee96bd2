package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"quickdrop/internal/lifecycle"
	"quickdrop/internal/logging"
)

// multipartOverhead is the allowance on top of the payload limit for part
// headers, boundaries and option fields.
const multipartOverhead = 1 << 20

// maxFieldBytes bounds an option field value.
const maxFieldBytes = 64

type uploadResp struct {
	Token        string `json:"token"`
	URL          string `json:"url"`
	QRURL        string `json:"qr_url"`
	ExpiresAt    string `json:"expires_at"`
	MaxDownloads int    `json:"max_downloads"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
}

// handleUpload handles POST /upload. The body is multipart with the payload
// in the "file" field. ttl_seconds and max_downloads may be given as query
// parameters or as fields before the file part. The payload is streamed
// straight into the store; nothing is buffered beyond the sniffing window.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)

	var opts linkOptions
	q := r.URL.Query()
	for _, name := range []string{"ttl_seconds", "max_downloads"} {
		if err := opts.set(name, q.Get(name)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.rejectUpload(w, r, err, true)
			return
		}

		switch part.FormName() {
		case "file":
			s.storeUpload(w, r, part, opts)
			_ = part.Close()
			return
		case "ttl_seconds", "max_downloads":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			_ = part.Close()
			if err != nil {
				s.rejectUpload(w, r, err, true)
				return
			}
			if err := opts.set(part.FormName(), string(value)); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		default:
			_ = part.Close()
		}
	}

	writeError(w, http.StatusBadRequest, "No file uploaded")
}

func (s *Server) storeUpload(w http.ResponseWriter, r *http.Request, part *multipart.Part, opts linkOptions) {
	name := SanitizeFilename(part.FileName())
	body := &capReader{r: part, limit: s.maxUpload}
	contentType, payload := detectContentType(part.Header.Get("Content-Type"), body)

	start := time.Now()
	obj, err := s.lc.Register(r.Context(), payload, lifecycle.Metadata{
		Name:        name,
		ContentType: contentType,
	}, opts.lifecycle())
	if err != nil {
		s.rejectUpload(w, r, err, false)
		return
	}

	s.log.Info("upload_stored", map[string]any{
		"request_id":     RequestIDFromContext(r.Context()),
		"token":          logging.Token(obj.Token),
		"size":           humanize.IBytes(uint64(obj.SizeBytes)),
		"content_type":   obj.ContentType,
		"expires_at":     obj.ExpiresAt.UTC().Format(time.RFC3339),
		"max_retrievals": obj.MaxRetrievals,
		"ms":             time.Since(start).Milliseconds(),
	})

	writeJSON(w, http.StatusOK, uploadResp{
		Token:        obj.Token,
		URL:          s.downloadURL(r, obj.Token),
		QRURL:        "/qr/" + obj.Token,
		ExpiresAt:    obj.ExpiresAt.UTC().Format(time.RFC3339),
		MaxDownloads: obj.MaxRetrievals,
		SizeBytes:    obj.SizeBytes,
		SHA256:       obj.SHA256,
	})
}

// rejectUpload answers a failed upload. Errors from reading the multipart
// framing itself are client errors unless the body was too large.
func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request, err error, framing bool) {
	status, msg := httpStatus(err)
	if framing && status != http.StatusRequestEntityTooLarge {
		status, msg = http.StatusBadRequest, "malformed multipart body"
	}
	if status == http.StatusRequestEntityTooLarge {
		msg = "upload exceeds the " + humanize.IBytes(uint64(s.maxUpload)) + " limit"
	}

	fields := map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"status":     status,
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("upload_failed", fields, err)
	} else {
		fields["reason"] = err.Error()
		s.log.Warn("upload_rejected", fields)
	}
	writeError(w, status, msg)
}

// capReader fails with *http.MaxBytesError once more than limit bytes
// have been read from the file part.
type capReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (c *capReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		return n, &http.MaxBytesError{Limit: c.limit}
	}
	return n, err
}
