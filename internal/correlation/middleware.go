package correlation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/settlecore/internal/logging"
)

const (
	// HeaderIdempotencyKey carries the client-chosen idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderCorrelationID carries the correlation ID across services.
	HeaderCorrelationID = "X-Correlation-Id"
	// HeaderReplayed marks a response served from the idempotency cache.
	HeaderReplayed = "X-Idempotent-Replayed"
)

// cachedResponse is the envelope stored in the idempotency cache.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware wires correlation and idempotency into the HTTP layer.
//
// Every request gets a correlation context: either derived from an inbound
// X-Correlation-Id the tracker still knows, or a fresh root. Mutating
// requests carrying an Idempotency-Key are replayed from cache when a live
// record exists; otherwise the response is cached for ttl, successful (2xx)
// responses only.
func Middleware(tracker *Tracker, idem *Idempotency, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		cc := resolveContext(c, tracker)
		c.Writer.Header().Set(HeaderCorrelationID, cc.ID)
		c.Request = c.Request.WithContext(
			logging.WithCorrelationID(c.Request.Context(), cc.ID))

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !mutating(c.Request.Method) {
			c.Next()
			return
		}

		outcome, err := idem.Check(c.Request.Context(), key)
		if err != nil {
			logging.L(c.Request.Context()).Warn("idempotency check failed", "error", err)
			c.Next()
			return
		}
		if outcome.Kind == OutcomeExisting {
			var cached cachedResponse
			if err := json.Unmarshal(outcome.Record.Result, &cached); err == nil {
				c.Header(HeaderReplayed, "true")
				c.Data(cached.Status, cached.ContentType, cached.Body)
				c.Abort()
				return
			}
			logging.L(c.Request.Context()).Warn("unreadable idempotency record", "key", key)
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		if status < 200 || status > 299 {
			return
		}
		result, err := json.Marshal(cachedResponse{
			Status:      status,
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		})
		if err != nil {
			return
		}
		err = idem.StoreResult(c.Request.Context(), key,
			c.Request.Method+" "+c.FullPath(), cc.InitiatedBy, result, ttl)
		if err != nil {
			logging.L(c.Request.Context()).Warn("failed to store idempotency record",
				"key", key, "error", err)
		}
	}
}

// resolveContext derives a child from an inbound correlation ID when the
// tracker still holds it, otherwise starts a fresh root context.
func resolveContext(c *gin.Context, tracker *Tracker) *Context {
	operation := c.Request.Method + " " + c.FullPath()
	if inbound := c.GetHeader(HeaderCorrelationID); inbound != "" {
		if parent := tracker.Get(inbound); parent != nil {
			return tracker.DeriveChild(parent, "settlecore", operation)
		}
	}
	return tracker.New("http", c.ClientIP(), "settlecore", operation)
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
