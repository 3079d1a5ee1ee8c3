package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientID определяет идентичность клиента для rate limiter:
// "sub:<sub>" для аутентифицированного запроса, иначе "ip:<ip>".
// Заголовки прокси учитываются только при trustProxy. Если адрес
// определить не удалось, возвращается "unknown".
func ClientID(r *http.Request, trustProxy bool) string {
	if sub := SubjectFromContext(r.Context()); sub != "" {
		return "sub:" + sub
	}
	if ip := clientIP(r, trustProxy); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// Первый хоп X-Forwarded-For — исходный клиент
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := forwardedFor(r.Header.Get("Forwarded")); ip != "" {
			return ip
		}
	}

	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedFor извлекает for= первого элемента заголовка Forwarded (RFC 7239).
// Forwarded: for="[2001:db8::1]:4711";proto=https, for=198.51.100.17
func forwardedFor(header string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		value = strings.Trim(value, `"`)
		if strings.HasPrefix(value, "[") {
			if end := strings.Index(value, "]"); end > 0 {
				return value[1:end]
			}
			return ""
		}
		if host, _, err := net.SplitHostPort(value); err == nil {
			return host
		}
		return value
	}
	return ""
}
