package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSHandler allows the dashboard origins to read wallets. Calls carry bearer
// tokens rather than cookies, so credentials stay off.
func CORSHandler(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", requestIDHeader},
		ExposedHeaders: []string{requestIDHeader},
		MaxAge:         600,
	})
}
