package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/FamShield/safety_layer/internal/logging"
)

// RequestRecord captures one handled API request for operational review.
type RequestRecord struct {
	Time     time.Time `json:"time"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	UserID   string    `json:"user_id,omitempty"`
	Status   int       `json:"status"`
	Duration string    `json:"duration"`
}

// AuditSink receives request records as they are produced. Implementations
// must be safe for concurrent use.
type AuditSink interface {
	Record(rec RequestRecord) error
}

// JSONLSink appends request records to a file, one JSON object per line.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (or creates) the file at path for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{file: f}, nil
}

func (s *JSONLSink) Record(rec RequestRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(data, '\n'))
	return err
}

// Close releases the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// requestAudit keeps a bounded in-memory ring of recent records and forwards
// each one to the optional sink.
type requestAudit struct {
	mu       sync.Mutex
	records  []RequestRecord
	capacity int
	sink     AuditSink
}

func newRequestAudit(capacity int, sink AuditSink) *requestAudit {
	if capacity <= 0 {
		capacity = 100
	}
	return &requestAudit{capacity: capacity, sink: sink}
}

func (a *requestAudit) add(rec RequestRecord) {
	a.mu.Lock()
	a.records = append(a.records, rec)
	if len(a.records) > a.capacity {
		a.records = a.records[len(a.records)-a.capacity:]
	}
	a.mu.Unlock()

	if a.sink != nil {
		_ = a.sink.Record(rec)
	}
}

// Recent returns up to limit records, newest last.
func (a *requestAudit) Recent(limit int) []RequestRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.records) {
		limit = len(a.records)
	}
	out := make([]RequestRecord, limit)
	copy(out, a.records[len(a.records)-limit:])
	return out
}

// recordRequest is router middleware that records the outcome of every call.
func (h *handler) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		h.audit.add(RequestRecord{
			Time:     start.UTC(),
			Method:   r.Method,
			Path:     r.URL.Path,
			UserID:   logging.GetUserID(r.Context()),
			Status:   sw.status,
			Duration: time.Since(start).String(),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
