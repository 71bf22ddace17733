package fileserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/telemetry"
	"github.com/vfaronov/httpheader"
)

const copyBufferSize = 256 * 1024

// Handler serves registered artifacts with single-range support.
type Handler struct {
	registry  *Registry
	telemetry *telemetry.Telemetry
}

func NewHandler(registry *Registry, tel *telemetry.Telemetry) *Handler {
	return &Handler{registry: registry, telemetry: tel}
}

// Routes is meant to be mounted on Prefix. A trailing file name after the
// token is accepted and ignored.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/{token}", h.ServeArtifact)
	r.Head("/{token}", h.ServeArtifact)
	r.Get("/{token}/{name}", h.ServeArtifact)
	r.Head("/{token}/{name}", h.ServeArtifact)

	return r
}

// ServeArtifact streams an artifact from disk, whole or as one byte range.
func (h *Handler) ServeArtifact(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	artifact, err := h.registry.Lookup(chi.URLParam(r, "token"))
	if err != nil {
		http.NotFound(w, r)

		return
	}

	file, err := os.Open(artifact.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("artifact file missing", "session_id", artifact.SessionID, "path", artifact.Path)
			http.NotFound(w, r)

			return
		}

		logger.Error("failed to open artifact", "session_id", artifact.SessionID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		logger.Error("failed to stat artifact", "session_id", artifact.SessionID, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	size := info.Size()

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Type", contentType(artifact))
	httpheader.SetContentDisposition(header, "attachment", artifact.Filename, nil)

	body := byteRange{start: 0, end: size - 1}
	status := http.StatusOK

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		body, err = parseRange(rangeHeader, size)
		if err != nil {
			logger.Debug("rejected range", "err", err)

			header.Del("Content-Disposition")
			header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)

			return
		}

		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", body.start, body.end, size))
	}

	header.Set("Content-Length", strconv.FormatInt(max(body.length(), 0), 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead || size == 0 {
		return
	}

	n, err := io.CopyBuffer(w, io.NewSectionReader(file, body.start, body.length()), make([]byte, copyBufferSize))
	h.telemetry.RecordServedBytes(n)

	if err != nil {
		// Usually the client went away mid-transfer.
		logger.Debug("artifact stream interrupted", "session_id", artifact.SessionID, "sent", n, "err", err)
	}
}

func contentType(a *Artifact) string {
	if a.ContentType != "" {
		return a.ContentType
	}

	return "application/octet-stream"
}
