package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Recovery turns a panic into a logged 500 with the API error body.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				zctx.From(r.Context()).Error("Panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)
				w.Header().Set("Connection", "close")
				writeError(w, r, http.StatusInternalServerError, "An unexpected error occurred")
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// writeError renders {timestamp,status,error,message,path}.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("timestamp")
	e.Str(time.Now().UTC().Format(time.RFC3339Nano))
	e.FieldStart("status")
	e.Int(status)
	e.FieldStart("error")
	e.Str(http.StatusText(status))
	e.FieldStart("message")
	e.Str(msg)
	e.FieldStart("path")
	e.Str(r.URL.Path)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
