// Package testutil provides HTTP test servers that misbehave in controlled
// ways: scripted status failures, mid-stream disconnects and Range-based
// resume, for exercising retry and mirror-fallback paths end to end.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MirrorServer serves a single artifact payload with Range support and a
// scripted failure sequence.
type MirrorServer struct {
	*httptest.Server

	mu       sync.Mutex
	payload  []byte
	failures []int // HTTP status to return for the i-th request; 0 means serve
	truncate int   // when > 0, serve only this many bytes then drop the connection once
	requests int
}

// NewMirrorServer starts a mirror serving payload at any path. Failures is a
// per-request script: request i gets status failures[i] (0 serves normally);
// requests beyond the script are served normally.
func NewMirrorServer(t *testing.T, payload []byte, failures ...int) *MirrorServer {
	t.Helper()
	m := &MirrorServer{payload: payload, failures: failures}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.Close)
	return m
}

// TruncateNext makes the next served response stop after n bytes and drop the
// connection, leaving the client with a resumable partial.
func (m *MirrorServer) TruncateNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.truncate = n
}

// Requests returns how many requests the mirror has seen.
func (m *MirrorServer) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MirrorServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	idx := m.requests
	m.requests++
	status := 0
	if idx < len(m.failures) {
		status = m.failures[idx]
	}
	truncate := m.truncate
	m.truncate = 0
	payload := m.payload
	m.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	offset := parseRangeOffset(r.Header.Get("Range"))
	body := payload
	if offset > 0 && offset < int64(len(payload)) {
		body = payload[offset:]
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(payload)-1, len(payload)))
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}

	if truncate > 0 && truncate < len(body) {
		_, _ = w.Write(body[:truncate])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// drop the connection mid-stream
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
		return
	}
	_, _ = w.Write(body)
}

func parseRangeOffset(v string) int64 {
	if !strings.HasPrefix(v, "bytes=") {
		return 0
	}
	v = strings.TrimPrefix(v, "bytes=")
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
