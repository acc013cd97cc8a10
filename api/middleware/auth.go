package middleware

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"fieldtrack-api/api/services"
	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/shared"
)

// AdminAuth middleware for the operator/admin API
func AdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get the bearer token from environment or use default
		validToken := os.Getenv("API_BEARER_TOKEN")
		if validToken == "" {
			validToken = "fieldtrack-dev-token" // Default for development
		}

		token, ok := bearerToken(r)
		if !ok {
			sendUnauthorized(w, http.StatusUnauthorized, "Missing or malformed authorization header")
			return
		}
		if token != validToken {
			sendUnauthorized(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next(w, r)
	}
}

// DeviceHandler is a handler that runs on behalf of an authenticated
// device.
type DeviceHandler func(w http.ResponseWriter, r *http.Request, dev *ontology.Device)

// DeviceAuth resolves the bearer token to a paired device via the
// registry. Revoked tokens get 403 and the registry raises a
// revoked-traffic alert as a side effect.
func DeviceAuth(registry *services.RegistryService, next DeviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			sendUnauthorized(w, http.StatusUnauthorized, "Missing or malformed authorization header")
			return
		}

		dev, err := registry.Authenticate(token)
		if err != nil {
			if errors.Is(err, shared.ErrRevoked) {
				sendUnauthorized(w, http.StatusForbidden, "Device token revoked")
				return
			}
			sendUnauthorized(w, http.StatusUnauthorized, "Invalid device token")
			return
		}

		next(w, r, dev)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	return parts[1], true
}

func sendUnauthorized(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// CORS middleware for handling cross-origin requests
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger middleware for logging requests
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// ClientIP extracts the caller address for per-IP rate limiting.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}
