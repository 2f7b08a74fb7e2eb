package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"esb-runtime/pkg/logger"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestIDMiddleware tags every request with the X-Request-ID header,
// generating one when the client sent none, and logs the request once it is
// served.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		w.Header().Set("X-Request-ID", rid)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.Get().Debugw("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", rid,
		)
	})
}

func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// requestVariables returns vars with the request id of ctx under
// VarRequestID, unless the caller set that variable already.
func requestVariables(ctx context.Context, vars map[string]any) map[string]any {
	if vars == nil {
		vars = make(map[string]any, 1)
	}
	rid := GetRequestID(ctx)
	if _, ok := vars[VarRequestID]; !ok && rid != "" {
		vars[VarRequestID] = rid
	}
	return vars
}
