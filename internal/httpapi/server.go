package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/swaggo/swag"

	_ "inferd/docs"
	"inferd/internal/engine"
	"inferd/internal/tasks"
	"inferd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Ready() bool
	// Complete runs one synchronous completion through the concurrency gate.
	Complete(ctx context.Context, req types.ChatRequest) (types.CompletionResult, error)
	// SubmitTask creates an async task and returns its id immediately.
	SubmitTask(req types.ChatRequest) (string, error)
	Task(id string) (types.TaskResponse, bool)
	Status() types.StatusResponse
}

const (
	detailLoading  = "Model is still loading"
	detailNotFound = "Task not found"
)

// NewMux builds the HTTP handler. Every path except /health, /metrics,
// /openapi.json and /docs requires the X-API-Key header to equal apiKey.
func NewMux(svc Service, apiKey string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsAllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(corsAllowedMethods, []string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			AllowedHeaders: orDefault(corsAllowedHeaders, []string{"Content-Type", APIKeyHeader, "X-Log-Level"}),
			MaxAge:         300,
		}))
	}
	r.Use(RequireAPIKey(apiKey))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Post("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		if !svc.Ready() {
			IncrementBackpressure("not_ready")
			writeJSONError(w, http.StatusServiceUnavailable, detailLoading)
			return
		}
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}
		if e := reqLog(r, lvl, LevelDebug, zlog.Debug); e != nil {
			e.Int("messages", len(req.Messages)).Msg("completion start")
		}
		start := time.Now()
		// Join server base context with request context so shutdown cancels waiting callers too.
		ctx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()
		if generateTimeout > 0 {
			var cancelT context.CancelFunc
			ctx, cancelT = context.WithTimeout(ctx, generateTimeout)
			defer cancelT()
		}
		res, err := svc.Complete(ctx, req)
		if err != nil {
			// Client went away: nothing to write.
			if r.Context().Err() != nil {
				logEnd(r, lvl, 499, start, err)
				return
			}
			status, detail := mapError(err)
			writeJSONError(w, status, detail)
			logEnd(r, lvl, status, start, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		logEnd(r, lvl, http.StatusOK, start, nil)
	})

	r.Post("/v1/tasks/create", func(w http.ResponseWriter, r *http.Request) {
		lvl := requestLogLevel(r)
		if !svc.Ready() {
			IncrementBackpressure("not_ready")
			writeJSONError(w, http.StatusServiceUnavailable, detailLoading)
			return
		}
		req, ok := decodeChatRequest(w, r)
		if !ok {
			return
		}
		id, err := svc.SubmitTask(req)
		if err != nil {
			status, detail := mapError(err)
			writeJSONError(w, status, detail)
			logEnd(r, lvl, status, time.Now(), err)
			return
		}
		if e := reqLog(r, lvl, LevelInfo, zlog.Info); e != nil {
			e.Str("task", id).Msg("task created")
		}
		writeJSON(w, http.StatusOK, types.TaskResponse{TaskID: id, Status: string(tasks.StatusProcessing)})
	})

	r.Get("/v1/tasks/{taskId}", func(w http.ResponseWriter, r *http.Request) {
		resp, ok := svc.Task(chi.URLParam(r, "taskId"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, detailNotFound)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		doc, err := swag.ReadDoc()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "openapi document unavailable")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doc))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

// decodeChatRequest parses and validates a completion body. On failure it has
// already written the error response.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (types.ChatRequest, bool) {
	var req types.ChatRequest
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return req, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &tooLarge):
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.As(err, &typeErr):
			writeJSONError(w, http.StatusUnprocessableEntity, fmt.Sprintf("field %q must be %s", typeErr.Field, typeErr.Type))
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return req, false
	}
	if err := validateChatRequest(req); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return req, false
	}
	return req, true
}

func validateChatRequest(req types.ChatRequest) error {
	if len(req.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("messages[%d].role is required", i)
		}
	}
	return nil
}

// mapError maps service errors to a status code and detail message.
func mapError(err error) (int, string) {
	switch {
	case engine.IsNotReady(err), errors.Is(err, tasks.ErrNotReady):
		IncrementBackpressure("not_ready")
		return http.StatusServiceUnavailable, detailLoading
	case engine.IsTooBusy(err):
		IncrementBackpressure("gate_queue_full")
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, engine.ErrEmptyMessages):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "generation timed out"
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), he.Error()
	}
	return http.StatusInternalServerError, err.Error()
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
