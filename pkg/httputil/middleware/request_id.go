package middleware

import (
	"context"
	"net/http"

	"github.com/edgeflare/pgrelay/pkg/httputil"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-Id"

// RequestID assigns every request an ID, reusing one already in the context or sent
// by a proxy in the X-Request-Id header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID, ok := httputil.RequestID(r)
		if !ok {
			reqID = r.Header.Get(RequestIDHeader)
		}
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), httputil.RequestIDCtxKey, reqID)
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
