// Package handler exposes the workflow as a JSON API for the browser
// front-end: session state, step transitions, uploads, the grading run, and
// CSV downloads.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/hoangtnm/gradepaper/internal/export"
	"github.com/hoangtnm/gradepaper/internal/fileenc"
	"github.com/hoangtnm/gradepaper/internal/grader"
	appI18n "github.com/hoangtnm/gradepaper/internal/i18n"
	"github.com/hoangtnm/gradepaper/internal/model"
	"github.com/hoangtnm/gradepaper/internal/session"
	"github.com/hoangtnm/gradepaper/internal/store"
)

const maxUploadBytes = 64 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	session *session.Session
	grader  *grader.Runner
	store   *store.Store
	config  model.AppConfig

	// runCtx outlives individual requests; grading runs are bound to it so
	// that server shutdown, not client disconnect, cancels them.
	runCtx context.Context
}

// New creates a new Handler. Grading runs started through the API are bound
// to runCtx rather than the request context.
func New(runCtx context.Context, sess *session.Session, runner *grader.Runner, st *store.Store, cfg model.AppConfig) (*Handler, error) {
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handler{session: sess, grader: runner, store: st, config: cfg, runCtx: runCtx}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	if h.config.AuthRequired() {
		r.Post("/api/login", h.handleLogin)
		r.Post("/api/logout", h.handleLogout)
	}

	r.Group(func(r chi.Router) {
		if h.config.AuthRequired() {
			r.Use(h.requireAuth)
		}
		r.Get("/api/state", h.handleState)
		r.Post("/api/step", h.handleSetStep)
		r.Post("/api/answer-key", h.handleUploadAnswerKey)
		r.Delete("/api/answer-key/{index}", h.handleRemoveAnswerKeyFile)
		r.Post("/api/students", h.handleCreateStudent)
		r.Post("/api/students/{id}/files", h.handleAddFiles)
		r.Delete("/api/students/{id}/files/{index}", h.handleRemoveFile)
		r.Delete("/api/students/{id}", h.handleRemoveStudent)
		r.Post("/api/students/{id}/name", h.handleRename)
		r.Post("/api/grade", h.handleStartGrading)
		r.Get("/api/progress", h.handleProgress)
		r.Post("/api/reset", h.handleReset)
		r.Get("/api/export/detailed", h.handleExportDetailed)
		r.Get("/api/export/brief", h.handleExportBrief)
	})
}

// BasePathMiddleware stores the configured base path in the request context.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- views ---

type fileView struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

type submissionView struct {
	ID          string               `json:"id"`
	DisplayName string               `json:"displayName"`
	Files       []fileView           `json:"files"`
	Status      string               `json:"status"`
	Result      *model.GradingResult `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type stateView struct {
	Step       int              `json:"step"`
	StepName   string           `json:"stepName"`
	Processing bool             `json:"processing"`
	CurrentID  string           `json:"currentId,omitempty"`
	AnswerKey  []fileView       `json:"answerKey"`
	Students   []submissionView `json:"students"`
	Completed  int              `json:"completed"`
}

func toFileView(f model.FileRecord) fileView {
	return fileView{
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     base64.StdEncoding.DecodedLen(len(f.Payload)),
	}
}

func toSubmissionView(sub model.Submission) submissionView {
	return submissionView{
		ID:          sub.ID,
		DisplayName: sub.DisplayName,
		Files:       lo.Map(sub.Files, func(f model.FileRecord, _ int) fileView { return toFileView(f) }),
		Status:      string(sub.Status),
		Result:      sub.Result,
		Error:       sub.Error,
	}
}

func (h *Handler) stateView() stateView {
	subs := h.session.Submissions()
	step := h.session.Step()
	return stateView{
		Step:       int(step),
		StepName:   step.String(),
		Processing: h.session.Processing(),
		CurrentID:  h.session.CurrentID(),
		AnswerKey:  lo.Map(h.session.AnswerKey(), func(f model.FileRecord, _ int) fileView { return toFileView(f) }),
		Students:   lo.Map(subs, func(s model.Submission, _ int) submissionView { return toSubmissionView(s) }),
		Completed: lo.CountBy(subs, func(s model.Submission) bool {
			return s.Status == model.StatusCompleted
		}),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}

// --- handlers ---

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleSetStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Step int `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch err := h.session.SetStep(model.Step(req.Step)); {
	case errors.Is(err, session.ErrAnswerKeyRequired):
		h.writeError(w, r, http.StatusBadRequest, "ErrAnswerKeyRequired")
	case errors.Is(err, session.ErrBusy):
		h.writeError(w, r, http.StatusConflict, "ErrGradingBusy")
	case errors.Is(err, session.ErrInvalidStep):
		h.writeError(w, r, http.StatusBadRequest, "ErrInvalidStep")
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, h.stateView())
	}
}

// readUploads encodes every file in the multipart "files" field. A single
// unreadable file fails the whole batch: upload is a direct user action with
// immediate feedback, so partial acceptance would only hide the problem.
func readUploads(r *http.Request) ([]model.FileRecord, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, fmt.Errorf("parse multipart form: %w", err)
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		return nil, fmt.Errorf("no files in upload")
	}
	records := make([]model.FileRecord, 0, len(headers))
	for _, fh := range headers {
		rec, err := encodeUpload(fh)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeUpload(fh *multipart.FileHeader) (model.FileRecord, error) {
	f, err := fh.Open()
	if err != nil {
		return model.FileRecord{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return fileenc.Encode(fh.Filename, fh.Header.Get("Content-Type"), f)
}

func (h *Handler) handleUploadAnswerKey(w http.ResponseWriter, r *http.Request) {
	files, err := readUploads(r)
	if err != nil {
		slog.Warn("answer key upload rejected", "error", err)
		h.writeError(w, r, http.StatusBadRequest, "ErrBadUpload")
		return
	}
	h.session.AddAnswerKey(files...)
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleRemoveAnswerKeyFile(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	h.session.RemoveAnswerKeyFile(index)
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	files, err := readUploads(r)
	if err != nil {
		slog.Warn("student upload rejected", "error", err)
		h.writeError(w, r, http.StatusBadRequest, "ErrBadUpload")
		return
	}
	sub := h.session.CreateSubmission(files)
	writeJSON(w, http.StatusCreated, toSubmissionView(sub))
}

func (h *Handler) handleAddFiles(w http.ResponseWriter, r *http.Request) {
	files, err := readUploads(r)
	if err != nil {
		slog.Warn("student upload rejected", "error", err)
		h.writeError(w, r, http.StatusBadRequest, "ErrBadUpload")
		return
	}
	h.session.AddFiles(chi.URLParam(r, "id"), files)
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		http.Error(w, "invalid index", http.StatusBadRequest)
		return
	}
	h.session.RemoveFile(chi.URLParam(r, "id"), index)
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleRemoveStudent(w http.ResponseWriter, r *http.Request) {
	h.session.RemoveSubmission(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.session.Rename(chi.URLParam(r, "id"), req.Name)
	writeJSON(w, http.StatusOK, h.stateView())
}

// handleStartGrading kicks off the run in the background; the front-end
// follows it through /api/progress. The run itself arbitrates the single
// grading slot, so a duplicate POST is harmless.
func (h *Handler) handleStartGrading(w http.ResponseWriter, r *http.Request) {
	if h.session.Processing() {
		h.writeError(w, r, http.StatusConflict, "ErrGradingBusy")
		return
	}
	go h.grader.Run(h.runCtx)
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (h *Handler) handleProgress(w http.ResponseWriter, _ *http.Request) {
	subs := h.session.Submissions()
	type progressItem struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
		Status      string `json:"status"`
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processing": h.session.Processing(),
		"currentId":  h.session.CurrentID(),
		"total":      len(subs),
		"completed": lo.CountBy(subs, func(s model.Submission) bool {
			return s.Status == model.StatusCompleted
		}),
		"failed": lo.CountBy(subs, func(s model.Submission) bool {
			return s.Status == model.StatusFailed
		}),
		"students": lo.Map(subs, func(s model.Submission, _ int) progressItem {
			return progressItem{ID: s.ID, DisplayName: s.DisplayName, Status: string(s.Status)}
		}),
	})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if h.session.Processing() {
		h.writeError(w, r, http.StatusConflict, "ErrGradingBusy")
		return
	}
	h.session.Reset()
	writeJSON(w, http.StatusOK, h.stateView())
}

func (h *Handler) handleExportDetailed(w http.ResponseWriter, r *http.Request) {
	h.serveCSV(w, r, export.DetailTable(r.Context(), h.session.Submissions()), export.DetailedFilename)
}

func (h *Handler) handleExportBrief(w http.ResponseWriter, r *http.Request) {
	h.serveCSV(w, r, export.BriefTable(r.Context(), h.session.Submissions()), export.BriefFilename)
}

// serveCSV writes the table as a download, or 204 when there is nothing to
// export: no completed submissions means no file, not an empty file.
func (h *Handler) serveCSV(w http.ResponseWriter, _ *http.Request, t export.Table, filename string) {
	if t.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if _, err := w.Write(export.EncodeCSV(t)); err != nil {
		slog.Error("write csv response", "error", err)
	}
}
