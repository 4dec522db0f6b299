package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"hashmarket/models"
)

// withIdempotency replays the stored response for a repeated Idempotency-Key
// so retried submissions execute once. Responses in the 5xx range are never
// stored; a retry after a transient failure gets a fresh attempt instead of
// the replayed error.
func withIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || db == nil {
			next.ServeHTTP(w, r)
			return
		}

		var record models.IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		tee := &teeResponse{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tee, r)
		if tee.status >= http.StatusInternalServerError {
			return
		}

		_ = db.Create(&models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    tee.status,
			Response:  tee.body.String(),
			CreatedAt: time.Now(),
		}).Error
	})
}

// teeResponse passes the response through while keeping a copy for the
// idempotency record.
type teeResponse struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (t *teeResponse) WriteHeader(status int) {
	t.status = status
	t.ResponseWriter.WriteHeader(status)
}

func (t *teeResponse) Write(b []byte) (int, error) {
	t.body.Write(b)
	return t.ResponseWriter.Write(b)
}
