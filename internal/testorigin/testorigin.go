// Package testorigin implements a minimal in-process HTTP origin matching
// §6's contract (GET /ping, GET /download, POST /upload), used only by the
// engine's own tests. A real origin server is an explicit non-goal of the
// engine itself; this exists so internal/engine's tests have something to
// drive load against without a network dependency.
package testorigin

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/httpx"
)

// chunkSize is the size of each write to a /download response body.
const chunkSize = 32 * 1024

// Server is a cooperative test origin. Latency and chunk delay are
// adjustable mid-test so a case can simulate a saturated link without
// needing real network conditions.
type Server struct {
	*httptest.Server

	pingDelay    atomic.Int64 // nanoseconds
	chunkDelay   atomic.Int64 // nanoseconds
	pingRequests atomic.Int64
	downloadReqs atomic.Int64
	uploadReqs   atomic.Int64
	uploadBytes  atomic.Int64
}

// New starts a test origin listening on an ephemeral local port.
func New() *Server {
	s := &Server{}
	mux := http.NewServeMux()
	mux.HandleFunc(httpx.PathPing, s.handlePing)
	mux.HandleFunc(httpx.PathDownload, s.handleDownload)
	mux.HandleFunc(httpx.PathUpload, s.handleUpload)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetPingDelay adds an artificial processing delay before GET /ping
// responds, simulating rising queueing latency under saturation.
func (s *Server) SetPingDelay(d time.Duration) { s.pingDelay.Store(int64(d)) }

// SetChunkDelay adds an artificial delay between /download body writes,
// letting a test throttle simulated throughput.
func (s *Server) SetChunkDelay(d time.Duration) { s.chunkDelay.Store(int64(d)) }

// PingRequests, DownloadRequests, UploadRequests and UploadBytes report
// cumulative request/byte counts observed by the origin, for test
// assertions about what the engine actually drove.
func (s *Server) PingRequests() int64    { return s.pingRequests.Load() }
func (s *Server) DownloadRequests() int64 { return s.downloadReqs.Load() }
func (s *Server) UploadRequests() int64  { return s.uploadReqs.Load() }
func (s *Server) UploadBytes() int64     { return s.uploadBytes.Load() }

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.pingRequests.Add(1)
	if d := time.Duration(s.pingDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.downloadReqs.Add(1)
	flusher, _ := w.(http.Flusher)
	chunk := make([]byte, chunkSize)
	w.WriteHeader(http.StatusOK)
	for {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		if _, err := w.Write(chunk); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if d := time.Duration(s.chunkDelay.Load()); d > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(d):
			}
		}
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.uploadReqs.Add(1)
	n, _ := io.Copy(io.Discard, r.Body)
	s.uploadBytes.Add(n)
	w.WriteHeader(http.StatusOK)
}
