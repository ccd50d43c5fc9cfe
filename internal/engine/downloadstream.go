package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/Ozark-Connect/bufferbloat-engine/internal/httpx"
)

// downloadStreamReadBuffer matches the teacher's 80 KB per-worker read
// buffer (speedtest/throughput.go readBufferSize).
const downloadStreamReadBuffer = 81920

// runDownloadStream opens a long-lived GET /download request and reads its
// body chunk by chunk, crediting each chunk's length to the stream's byte
// counter, until ctx is cancelled. The stream does not end on a transport
// error, a non-200 response or the end of a body: after an error or a
// non-200 response it waits 100ms and opens a new request, and after a body
// ends it opens a new request at once. Optionally pauses chunkDelay between
// reads; every caller in this package passes 0.
func (m *StreamManager) runDownloadStream(ctx context.Context, s *Stream, chunkDelay time.Duration) {
	defer m.finishStream(s)

	client, err := newWorkerClient(0, m.cfg.Interface)
	if err != nil {
		m.log.Error().Err(err).Msg("download stream: client setup failed")
		return
	}
	defer client.CloseIdleConnections()

	buf := make([]byte, downloadStreamReadBuffer)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		url := httpx.DownloadURL(m.cfg.OriginBaseURL, uint64(s.ID), time.Now().UnixNano())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		httpx.SetLoadHeaders(req, uint64(s.ID))

		resp, err := client.Do(req)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				s.bytes.add(int64(n))
			}
			if rerr != nil {
				break
			}
			if chunkDelay > 0 {
				select {
				case <-ctx.Done():
					resp.Body.Close()
					return
				case <-time.After(chunkDelay):
				}
			}
		}
		resp.Body.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
