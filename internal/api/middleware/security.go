// security.go — заголовки безопасности для всех ответов rib-server.
package middleware

import "net/http"

// Значения заголовков по умолчанию. Обработчик может заменить любой из них
// через w.Header().Set: middleware выставляет их до вызова обработчика.
const (
	DefaultContentSecurityPolicy = "default-src 'self'; img-src 'self' data:; object-src 'none'; " +
		"base-uri 'none'; frame-ancestors 'none'; form-action 'self'"
	hstsValue = "max-age=63072000; includeSubDomains; preload"
)

// SecurityHeaders выставляет CSP, Referrer-Policy, X-Content-Type-Options,
// X-Frame-Options и X-XSS-Protection. Strict-Transport-Security добавляется
// только при enableHSTS.
func SecurityHeaders(enableHSTS bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Content-Security-Policy", DefaultContentSecurityPolicy)
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			// Устаревший фильтр браузера отключается явно
			h.Set("X-XSS-Protection", "0")
			if enableHSTS {
				h.Set("Strict-Transport-Security", hstsValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
