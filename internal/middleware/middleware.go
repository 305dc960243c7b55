package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"droidpool/internal/auth"
	"droidpool/internal/logs"
	"droidpool/internal/models"

	"github.com/google/uuid"
)

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxIdentity
)

// RequestID — каждому запросу свой id; уважаем входящий X-Request-Id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestID, id)))
	})
}

// GetRequestID — id текущего запроса (пусто, если middleware не стоит).
func GetRequestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxRequestID).(string)
	return id
}

// Recoverer — паника хендлера не валит процесс.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logs.Logger.WithField("request_id", GetRequestID(r)).
					Errorf("panic: %v\n%s", rec, debug.Stack())
				models.WriteProblem(w, http.StatusInternalServerError, "Internal error", "", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// LoggerMW — метод/путь/статус/длительность в структурный лог.
func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		logs.Logger.WithFields(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     sw.status,
			"duration":   time.Since(start).String(),
			"request_id": GetRequestID(r),
		}).Info("http")
	})
}

// Authenticator — bearer-токен в Identity в контексте запроса.
type Authenticator struct {
	Tokens *auth.Tokens
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(raw, "Bearer ") {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", nil)
			return
		}
		id, err := a.Tokens.Verify(strings.TrimPrefix(raw, "Bearer "))
		if err != nil {
			models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxIdentity, id)))
	})
}

// GetIdentity — кто делает запрос.
func GetIdentity(r *http.Request) (auth.Identity, bool) {
	id, ok := r.Context().Value(ctxIdentity).(auth.Identity)
	return id, ok
}

// WithIdentity — подложить identity в запрос (тестовый хелпер).
func WithIdentity(r *http.Request, id auth.Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), ctxIdentity, id))
}

// Require — гейт по роли: единственное место, где роли сравниваются.
func Require(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := GetIdentity(r)
			if !ok {
				models.WriteProblem(w, http.StatusUnauthorized, "Unauthorized", "not authenticated", nil)
				return
			}
			if !id.Role.Satisfies(role) {
				models.WriteProblem(w, http.StatusForbidden, "Forbidden",
					"requires role "+string(role), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireHandler — то же самое для одиночного хендлера.
func RequireHandler(role models.Role, h http.HandlerFunc) http.Handler {
	return Require(role)(h)
}
