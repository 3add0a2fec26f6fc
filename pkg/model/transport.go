package model

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const maxCapturedBody = 10000

// exchange is one captured provider round trip, written as a JSONL line.
type exchange struct {
	At         time.Time `json:"at"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Status     int       `json:"status,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Headers    map[string]string `json:"headers,omitempty"`
	Request    string    `json:"request,omitempty"`
	Response   string    `json:"response,omitempty"`
	Streaming  bool      `json:"streaming,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// traceTransport captures every provider exchange to network.jsonl.
// Credentials are redacted, and chunked response bodies are never
// buffered: draining them here would stall the stream until the model
// finished talking.
type traceTransport struct {
	next http.RoundTripper

	mu  sync.Mutex
	out io.WriteCloser
}

// NewLoggingTransport wraps next with wire capture when enabled. When
// disabled (or when the log file cannot be opened) the original transport
// is returned untouched.
func NewLoggingTransport(next http.RoundTripper, logDir string, enabled bool) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if !enabled {
		return next
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return next
	}
	f, err := os.OpenFile(filepath.Join(logDir, "network.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return next
	}
	return &traceTransport{next: next, out: f}
}

func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := exchange{
		At:      time.Now(),
		Method:  req.Method,
		URL:     req.URL.String(),
		Headers: redactHeaders(req.Header),
	}
	rec.Streaming = req.Header.Get("Accept") == "text/event-stream"

	if req.Body != nil && req.Body != http.NoBody {
		if body, err := io.ReadAll(req.Body); err == nil {
			rec.Request = clipBody(body)
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	rec.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		rec.Error = err.Error()
		t.write(rec)
		return nil, err
	}

	rec.Status = resp.StatusCode
	if !rec.Streaming && resp.Body != nil {
		if body, readErr := io.ReadAll(resp.Body); readErr == nil {
			rec.Response = clipBody(body)
			resp.Body = io.NopCloser(bytes.NewReader(body))
		}
	}

	t.write(rec)
	return resp, nil
}

func (t *traceTransport) write(rec exchange) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out.Write(line)
	t.out.Write([]byte("\n"))
}

func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "cookie":
			out[key] = "[REDACTED]"
		default:
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}

func clipBody(body []byte) string {
	if len(body) > maxCapturedBody {
		return string(body[:maxCapturedBody]) + "\n...[clipped]"
	}
	return string(body)
}
