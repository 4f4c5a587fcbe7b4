package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/michaelbrown/kubebox/internal/sandbox"
	"github.com/michaelbrown/kubebox/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON decodes the body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeSandboxError maps lifecycle errors to status codes. A missing sandbox
// also clears the caller's session cookie.
func (s *Server) writeSandboxError(w http.ResponseWriter, r *http.Request, err error) {
	var de *sandbox.DriverError
	switch {
	case errors.Is(err, sandbox.ErrAdmissionDenied):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, sandbox.ErrNotFound):
		s.binder.Clear(w)
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sandbox.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &de) && de.Timeout():
		s.logger.ErrorContext(r.Context(), "driver timed out", slog.String("error", err.Error()))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// resolveSession returns the sandbox bound to the caller. When there is none
// it writes a 404, clearing a cookie that is present but expired or forged.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := s.binder.Resolve(r)
	if ok {
		return id, true
	}
	if s.binder.Present(r) {
		s.binder.Clear(w)
	}
	writeError(w, http.StatusNotFound, "no sandbox bound to this session")
	return "", false
}

// clientKey identifies the caller for admission. RealIP has already
// replaced RemoteAddr when a forwarding header was present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Sandbox handlers ---

type createRequest struct {
	Image string `json:"image"`
}

type createResponse struct {
	SandboxID string `json:"sandboxId"`
	ExpiresIn int64  `json:"expiresIn"`
	Reused    bool   `json:"reused"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	existing, _ := s.binder.Resolve(r)
	sb, reused, err := s.manager.CreateOrReuse(r.Context(), sandbox.CreateRequest{
		ClientKey:  clientKey(r),
		ExistingID: existing,
		Image:      req.Image,
	})
	if err != nil {
		s.writeSandboxError(w, r, err)
		return
	}

	expiresIn := sb.ExpiresIn(s.manager.Now())
	if err := s.binder.Bind(w, sb.ID, expiresIn); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, createResponse{
		SandboxID: sb.ID,
		ExpiresIn: int64(expiresIn / time.Second),
		Reused:    reused,
	})
}

type statusResponse struct {
	SandboxID string    `json:"sandboxId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresIn int64     `json:"expiresIn"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	sb, err := s.manager.Status(r.Context(), id)
	if err != nil {
		s.writeSandboxError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		SandboxID: sb.ID,
		CreatedAt: sb.CreatedAt,
		ExpiresIn: int64(sb.ExpiresIn(s.manager.Now()) / time.Second),
	})
}

type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Output string `json:"output"`
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	out, err := s.manager.Execute(r.Context(), id, req.Command)
	if err != nil {
		s.writeSandboxError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execResponse{Output: out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolveSession(w, r)
	if !ok {
		return
	}

	if err := s.manager.Delete(r.Context(), id); err != nil {
		s.writeSandboxError(w, r, err)
		return
	}
	s.binder.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// --- Admin and history handlers ---

type sandboxInfo struct {
	SandboxID string    `json:"sandboxId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Consoles  int       `json:"consoles"`
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	list := s.manager.List()
	out := make([]sandboxInfo, 0, len(list))
	for _, sb := range list {
		out = append(out, sandboxInfo{
			SandboxID: sb.ID,
			CreatedAt: sb.CreatedAt,
			ExpiresAt: sb.ExpiresAt(),
			Consoles:  s.consoles.Count(sb.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, []storage.Event{})
		return
	}

	q := r.URL.Query()
	opts := storage.EventListOptions{
		SandboxID: q.Get("sandbox"),
		Kind:      storage.EventKind(q.Get("kind")),
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	events, err := s.events.ListEvents(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
