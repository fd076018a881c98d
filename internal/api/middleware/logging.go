// logging.go — журнал HTTP-запросов Groups Module через slog.
// Каждый запрос получает X-Request-ID; актор из JWT попадает в запись,
// хотя JWT middleware выполняется внутри логгера.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID — заголовок идентификатора запроса.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen — длиннее входящий X-Request-ID заменяется новым.
const maxRequestIDLen = 128

// healthPrefixes — пути Kubernetes и Prometheus, успешные ответы пишутся в DEBUG.
var healthPrefixes = []string{"/health/", "/metrics"}

type requestInfoKey struct{}

// requestInfo заполняется внутренними middleware и читается логгером
// после ответа.
type requestInfo struct {
	id    string
	actor string
	sudo  bool
}

// RequestIDFromContext возвращает идентификатор текущего запроса.
func RequestIDFromContext(ctx context.Context) string {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		return info.id
	}
	return ""
}

// noteActor запоминает аутентифицированного актора для журнала запроса.
func noteActor(ctx context.Context, claims *AuthClaims) {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok && claims != nil {
		info.actor = claims.Subject
		info.sudo = claims.Scope.Admin
	}
}

// responseWriter — обёртка для перехвата статус-кода и размера ответа.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger возвращает middleware, логирующий каждый HTTP-запрос.
// Уровень: INFO (1xx-3xx), WARN (4xx), ERROR (5xx); успешные
// health и metrics — DEBUG.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			info := &requestInfo{id: requestID(r)}
			w.Header().Set(HeaderRequestID, info.id)
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= 500:
				level = slog.LevelError
			case wrapped.statusCode >= 400:
				level = slog.LevelWarn
			case isHealthPath(r.URL.Path):
				level = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("request_id", info.id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", wrapped.written),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if info.actor != "" {
				attrs = append(attrs, slog.String("actor", info.actor), slog.Bool("sudo", info.sudo))
			}
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}

// requestID берёт X-Request-ID клиента или генерирует новый.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderRequestID)); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.NewString()
}

func isHealthPath(path string) bool {
	for _, p := range healthPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
