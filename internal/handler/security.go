package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

var errMissingToken = errors.New("missing bearer token")

type callerKey struct{}

// CallerFromContext returns the authenticated user id stored by
// Authenticate.
func CallerFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callerKey{}).(int64)
	return id, ok
}

// Authenticate rejects requests without a valid "Authorization: Bearer"
// token and stores the caller id in the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			h.fail(w, r, errMissingToken)
			return
		}

		userID, err := h.tokens.Verify(token)
		if err != nil {
			zctx.From(r.Context()).Debug("Rejected bearer token", zap.Error(err))
			h.fail(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), callerKey{}, userID)
		ctx = zctx.With(ctx, zap.Int64("caller_id", userID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
