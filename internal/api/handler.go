// Package api exposes the chat stream and catalog upload over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/loqalabs/streamcast/internal/catalog"
	"github.com/loqalabs/streamcast/internal/pipeline"
	"github.com/loqalabs/streamcast/internal/progress"
)

const (
	chatPath   = "/streamer-sales/chat"
	uploadPath = "/streamer-sales/upload_product"

	maxBodyBytes = 4 << 20
)

// Runner streams one chat request.
type Runner interface {
	Run(ctx context.Context, req pipeline.ChatRequest, emit pipeline.EmitFunc) error
}

// Uploader stores one catalog product.
type Uploader interface {
	Upload(ctx context.Context, u catalog.Upload) (catalog.Product, error)
}

type Handler struct {
	runner   Runner
	uploader Uploader
	log      *slog.Logger
}

func NewHandler(runner Runner, uploader Uploader, log *slog.Logger) (*Handler, error) {
	if runner == nil || uploader == nil {
		return nil, errors.New("api: runner and uploader are required")
	}
	return &Handler{runner: runner, uploader: uploader, log: log.With(slog.String("component", "api"))}, nil
}

// Register mounts the routes on mux. Chat and upload accept GET with a body
// as well as POST.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.handleRoot)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		mux.HandleFunc(method+" "+chatPath, h.handleChat)
		mux.HandleFunc(method+" "+uploadPath, h.handleUpload)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type uploadRequest struct {
	UserID          string `json:"user_id"`
	RequestID       string `json:"request_id"`
	Name            string `json:"name"`
	Highlight       string `json:"heightlight"`
	ImagePath       string `json:"image_path"`
	InstructionPath string `json:"instruction_path"`
	DeparturePlace  string `json:"departure_place"`
	DeliveryCompany string `json:"delivery_company"`
}

type uploadResponse struct {
	UserID    string `json:"user_id"`
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Status    string `json:"status"`
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Hello Streamer-Sales"})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChatRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := req.Normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sse, err := progress.NewSSEWriter(w)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("X-Request-Id", req.RequestID)

	log := h.log.With(slog.String("request_id", req.RequestID))
	if err := h.runner.Run(r.Context(), req, sse.Write); err != nil {
		// The stream has already carried the outcome to the client.
		log.Warn("chat stream ended with error", slog.String("error", err.Error()))
	}
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	resp := uploadResponse{UserID: req.UserID, RequestID: req.RequestID}
	_, err := h.uploader.Upload(r.Context(), catalog.Upload{
		Name:            req.Name,
		Highlights:      req.Highlight,
		ImagePath:       req.ImagePath,
		InstructionPath: req.InstructionPath,
		DeparturePlace:  req.DeparturePlace,
		DeliveryCompany: req.DeliveryCompany,
	})
	switch {
	case errors.Is(err, catalog.ErrInvalidProduct):
		resp.Message, resp.Status = err.Error(), "failed"
		writeJSON(w, http.StatusBadRequest, resp)
	case err != nil:
		h.log.Error("product upload failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		resp.Message, resp.Status = "failed to upload product", "failed"
		writeJSON(w, http.StatusInternalServerError, resp)
	default:
		resp.Message, resp.Status = "success uploaded product", "success"
		writeJSON(w, http.StatusOK, resp)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body must not be empty")
		}
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
