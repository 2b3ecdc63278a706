// Package middleware carries the request-scoped plumbing every endpoint
// shares: correlation ids, actor identity headers, and device metadata.
//
// Authentication itself is an external collaborator; the gateway in front
// of this service verifies the caller and forwards identity headers. The
// middleware here only lifts those headers into context.
package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	id "caretrack/pkg/domain"
	"caretrack/pkg/requestcontext"
)

// RequestID ensures every request carries a correlation id, generating one
// when the client did not send X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Actor lifts the forwarded identity headers into context. Requests without
// a parseable caregiver id stay anonymous; handlers that require an actor
// reject them.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if caregiverID, err := id.ParseCaregiverID(r.Header.Get("X-Caregiver-ID")); err == nil {
			ctx = requestcontext.WithCaregiverID(ctx, caregiverID)
		}
		if r.Header.Get("X-Actor-Role") == string(requestcontext.RoleCoordinator) {
			ctx = requestcontext.WithRole(ctx, requestcontext.RoleCoordinator)
		}
		if deviceID := r.Header.Get("X-Device-ID"); deviceID != "" {
			ctx = requestcontext.WithDeviceID(ctx, id.DeviceID(deviceID))
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DevicePlatform parses the mobile client's User-Agent into a compact
// platform string recorded on audit events for field captures.
func DevicePlatform(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.UserAgent()
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		ua := useragent.New(raw)
		platform := ua.OS()
		if platform == "" {
			platform = ua.Platform()
		}
		ctx := requestcontext.WithDevicePlatform(r.Context(), platform)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
