// Package httpx collects the origin endpoint paths and request header
// conventions shared by every stream driver and the latency prober, so the
// wire contract with the cooperative HTTP origin (§6) lives in one place
// instead of being repeated per caller.
package httpx

import (
	"fmt"
	"net/http"
	"time"
)

// Endpoint paths the origin is required to expose, per §6.
const (
	PathPing     = "/ping"
	PathDownload = "/download"
	PathUpload   = "/upload"
)

// Header names the engine sets on every load/probe request. The origin may
// ignore X-Stream-ID and X-Priority; they exist for origin-side diagnostics
// and are never required for correctness.
const (
	HeaderCacheControl = "Cache-Control"
	HeaderStreamID     = "X-Stream-ID"
	HeaderPriority     = "X-Priority"
	HeaderRetryCount   = "X-Retry-Count"
	HeaderContentType  = "Content-Type"
	HeaderServerTiming = "Server-Timing"
)

// PriorityLoad and PriorityProbe tag a request's traffic class for an
// origin that wants to prioritize latency probes over bulk load. Per §6
// X-Priority is a diagnostic header the origin may ignore.
const (
	PriorityLoad  = "load"
	PriorityProbe = "probe"
)

// PingURL, DownloadURL and UploadURL build a cache-busted request URL
// against base for the respective endpoint. t is a caller-supplied
// nanosecond nonce (callers pass time.Now().UnixNano()) so two concurrent
// requests against the same origin never collide on an intermediary cache.
func PingURL(base string, t int64) string {
	return fmt.Sprintf("%s%s?t=%d", base, PathPing, t)
}

func DownloadURL(base string, streamID uint64, t int64) string {
	return fmt.Sprintf("%s%s?sid=%d&t=%d", base, PathDownload, streamID, t)
}

func UploadURL(base string) string {
	return base + PathUpload
}

// SetProbeHeaders sets the no-store/priority headers common to every probe
// request (GET /ping).
func SetProbeHeaders(req *http.Request) {
	req.Header.Set(HeaderCacheControl, "no-store")
	req.Header.Set(HeaderPriority, PriorityProbe)
}

// SetLoadHeaders sets the no-store/stream-id/priority headers common to
// every load request (GET /download).
func SetLoadHeaders(req *http.Request, streamID uint64) {
	req.Header.Set(HeaderCacheControl, "no-store")
	req.Header.Set(HeaderStreamID, fmt.Sprintf("%d", streamID))
	req.Header.Set(HeaderPriority, PriorityLoad)
}

// SetUploadHeaders sets the content-type/stream-id/priority/retry headers
// for one POST /upload attempt.
func SetUploadHeaders(req *http.Request, streamID uint64, retryCount int) {
	req.Header.Set(HeaderContentType, "application/octet-stream")
	req.Header.Set(HeaderStreamID, fmt.Sprintf("%d", streamID))
	req.Header.Set(HeaderPriority, PriorityLoad)
	req.Header.Set(HeaderRetryCount, fmt.Sprintf("%d", retryCount))
}

// ServerTimingMillis extracts a dur=<ms> value from a Server-Timing
// response header, returning 0 and false if absent or unparseable. Shared
// by the latency prober, which subtracts it from measured RTT to better
// isolate network latency from origin processing time.
func ServerTimingMillis(resp *http.Response) (time.Duration, bool) {
	header := resp.Header.Get(HeaderServerTiming)
	if header == "" {
		return 0, false
	}
	var ms float64
	if _, err := fmt.Sscanf(header, "dur=%f", &ms); err != nil {
		return 0, false
	}
	return time.Duration(ms * float64(time.Millisecond)), true
}
