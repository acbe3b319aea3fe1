package log

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// requestLogger derives the per-request logger and the request id, taking
// the id from the incoming header when the caller supplied one.
func requestLogger(base zerolog.Logger, r *http.Request, clientIP string) (zerolog.Logger, string) {
	reqID := r.Header.Get(headerRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	return base.With().
		Str(FieldRequestID, reqID).
		Str(FieldMethod, r.Method).
		Str(FieldPath, r.URL.Path).
		Str(FieldClientIP, clientIP).
		Logger(), reqID
}

func latencyMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// GinMiddleware tags each request of the HTTP mirror with a request id and
// a child logger. Mirrors are polled constantly, so completions log at debug.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		child, reqID := requestLogger(logger, c.Request, c.ClientIP())

		c.Header(headerRequestID, reqID)
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), child))

		c.Next()

		child.Debug().
			Int(FieldStatus, c.Writer.Status()).
			Float64(FieldLatency, latencyMillis(start)).
			Msg("request completed")
	}
}

// HTTPMiddleware does the same for plain net/http handlers such as the
// websocket endpoint. Upgraded connections are logged as such instead of
// with a status code.
func HTTPMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			child, reqID := requestLogger(logger, r, ClientIP(r))

			w.Header().Set(headerRequestID, reqID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithLogger(r.Context(), child)))

			evt := child.Info().Float64(FieldLatency, latencyMillis(start))
			if rec.hijacked {
				evt.Bool("upgraded", true).Msg("connection upgraded")
				return
			}
			evt.Int(FieldStatus, rec.status).Msg("request completed")
		})
	}
}

// statusRecorder captures the status code and keeps http.Hijacker
// reachable for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not implement http.Hijacker")
	}
	r.hijacked = true
	return h.Hijack()
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then
// the socket peer.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
