package api

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/runner"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/types"
)

const (
	// maxExecBody bounds /exec payloads; inline files ride in the request.
	maxExecBody = 32 << 20
	// maxStateBody bounds /state payloads; the configured state cap is
	// enforced on the decoded bytes downstream.
	maxStateBody = 64 << 20
	maxMiscBody  = 1 << 20
)

func (s *Server) handleExec(w http.ResponseWriter, req *http.Request) {
	var body runner.Request
	if err := decodeJSON(w, req, &body, maxExecBody); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.deps.Exec.Execute(req.Context(), &body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type createSessionRequest struct {
	ID       string            `json:"id,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	TTLSec   int               `json:"ttl_sec,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body createSessionRequest
	if err := decodeJSON(w, req, &body, maxMiscBody); err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.deps.Sessions.Create(req.Context(), session.CreateOptions{
		ID:       body.ID,
		EntityID: body.EntityID,
		Metadata: body.Metadata,
		TTL:      time.Duration(body.TTLSec) * time.Second,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := s.deps.Sessions.Get(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 50)
	offset := queryInt(req, "offset", 0)

	var (
		list []*types.Session
		err  error
	)
	if entityID := req.URL.Query().Get("entity_id"); entityID != "" {
		list, err = s.deps.Sessions.ListByEntity(req.Context(), entityID, limit)
	} else {
		list, err = s.deps.Sessions.List(req.Context(), limit, offset)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": list,
		"count":    len(list),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	deleted, err := s.deps.Sessions.Delete(req.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !deleted {
		s.writeError(w, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound))
		return
	}
	// Interpreter state goes with the session.
	if err := s.deps.State.Delete(req.Context(), id); err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to delete session state")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessionFiles(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := s.deps.Sessions.Get(req.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	files, err := s.deps.Sessions.ListFiles(req.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"count": len(files),
	})
}

type presignUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type presignResponse struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename,omitempty"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handlePresignUpload registers a file in the session index and hands back a
// PUT URL. The index entry may briefly point at a not-yet-uploaded object;
// staging tolerates that.
func (s *Server) handlePresignUpload(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "id")
	sess, err := s.deps.Sessions.Get(req.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body presignUploadRequest
	if err := decodeJSON(w, req, &body, maxMiscBody); err != nil {
		s.writeError(w, err)
		return
	}
	if err := validFilename(body.Filename); err != nil {
		s.writeError(w, err)
		return
	}

	fileID := uuid.NewString()
	key := objstore.FileKey(sess.ID, fileID)
	url, err := s.deps.Presign.PresignPut(req.Context(), key, s.presignTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now().UTC()
	record := types.FileInfo{
		ID:          fileID,
		Filename:    body.Filename,
		Size:        body.Size,
		ContentType: body.ContentType,
		Path:        path.Join(sess.WorkingDir, body.Filename),
		CreatedAt:   now,
	}
	if err := s.deps.Sessions.AddFile(req.Context(), sess.ID, record); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, presignResponse{
		FileID:    fileID,
		Filename:  body.Filename,
		Key:       key,
		URL:       url,
		Method:    http.MethodPut,
		ExpiresAt: now.Add(s.presignTTL),
	})
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "session_id")
	fileID := chi.URLParam(req, "file_id")

	fi, err := s.deps.Sessions.GetFile(req.Context(), sessionID, fileID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	key := objstore.FileKey(sessionID, fileID)
	url, err := s.deps.Presign.PresignGet(req.Context(), key, s.presignTTL)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, presignResponse{
		FileID:    fileID,
		Filename:  fi.Filename,
		Key:       key,
		URL:       url,
		Method:    http.MethodGet,
		ExpiresAt: time.Now().UTC().Add(s.presignTTL),
	})
}

type putStateRequest struct {
	State string `json:"state"` // base64
}

func (s *Server) handlePutState(w http.ResponseWriter, req *http.Request) {
	var body putStateRequest
	if err := decodeJSON(w, req, &body, maxStateBody); err != nil {
		s.writeError(w, err)
		return
	}

	info, err := s.deps.State.Save(req.Context(), chi.URLParam(req, "session_id"), body.State)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetState(w http.ResponseWriter, req *http.Request) {
	sessionID := chi.URLParam(req, "session_id")
	data, err := s.deps.State.Load(req.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"state":      base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleDeleteState(w http.ResponseWriter, req *http.Request) {
	if err := s.deps.State.Delete(req.Context(), chi.URLParam(req, "session_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStateInfo(w http.ResponseWriter, req *http.Request) {
	info, err := s.deps.State.Info(req.Context(), chi.URLParam(req, "session_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, req *http.Request) {
	exec, err := s.deps.Sessions.GetExecution(req.Context(), chi.URLParam(req, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	if _, err := s.deps.Sessions.Get(req.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	execs, err := s.deps.Sessions.ListExecutions(req.Context(), id, queryInt(req, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// validFilename rejects names that would escape the pod working dir.
func validFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is required: %w", errdefs.ErrInvalidArgument)
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return fmt.Errorf("filename %q must not contain path separators: %w", name, errdefs.ErrInvalidArgument)
	}
	return nil
}

func queryInt(req *http.Request, name string, def int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
