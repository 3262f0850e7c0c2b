package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// FrameReader yields JPEG frames from one stream. Implementations are
// not safe for concurrent use; each watcher owns exactly one.
type FrameReader interface {
	// Open establishes the connection to the source.
	Open(ctx context.Context) error
	// ReadFrame blocks until the next frame is available or the
	// context is done.
	ReadFrame(ctx context.Context) ([]byte, error)
	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// newFrameReader picks a reader for the stream URL. HTTP URLs that look
// like still-image endpoints are polled directly; everything else goes
// through ffmpeg.
func newFrameReader(src StreamSource, interval time.Duration) FrameReader {
	if isSnapshotURL(src.URL) {
		return &snapshotReader{
			url:      src.URL,
			interval: interval,
			client:   &http.Client{Timeout: 10 * time.Second},
		}
	}
	return &ffmpegReader{url: src.URL, interval: interval}
}

func isSnapshotURL(url string) bool {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return false
	}
	lower := strings.ToLower(url)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") ||
		strings.Contains(lower, "snapshot") || strings.Contains(lower, "still")
}

// ffmpegReader decodes an RTSP or MJPEG stream through an ffmpeg child
// process emitting image2pipe JPEG frames on stdout.
type ffmpegReader struct {
	url      string
	interval time.Duration
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	buffer   []byte
}

func (r *ffmpegReader) Open(ctx context.Context) error {
	var args []string
	rate := fmt.Sprintf("fps=1/%g", r.interval.Seconds())
	if strings.HasPrefix(r.url, "rtsp://") {
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", r.url,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-vf", rate,
			"-q:v", "5",
			"-",
		}
	} else {
		args = []string{
			"-i", r.url,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-vf", rate,
			"-q:v", "5",
			"-",
		}
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting ffmpeg: %w", err)
	}

	r.cmd = cmd
	r.stdout = stdout
	r.buffer = r.buffer[:0]
	return nil
}

func (r *ffmpegReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if r.stdout == nil {
		return nil, fmt.Errorf("reader not open")
	}
	chunk := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if frame := extractJPEG(&r.buffer); frame != nil {
			return frame, nil
		}
		n, err := r.stdout.Read(chunk)
		if n > 0 {
			r.buffer = append(r.buffer, chunk[:n]...)
		}
		if err != nil {
			return nil, fmt.Errorf("error reading ffmpeg output: %w", err)
		}
	}
}

func (r *ffmpegReader) Close() error {
	if r.stdout != nil {
		r.stdout.Close()
		r.stdout = nil
	}
	if r.cmd != nil && r.cmd.Process != nil {
		r.cmd.Process.Kill()
		r.cmd.Wait()
		r.cmd = nil
	}
	return nil
}

// extractJPEG pulls one complete frame out of the accumulated stream,
// scanning for the SOI (FFD8) and EOI (FFD9) markers. Bytes before the
// SOI and the consumed frame are removed from the buffer.
func extractJPEG(buffer *[]byte) []byte {
	buf := *buffer
	start := -1
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD8 {
			start = i
			break
		}
	}
	if start < 0 {
		// Keep at most one trailing byte in case the marker split.
		if len(buf) > 1 {
			*buffer = buf[len(buf)-1:]
		}
		return nil
	}

	end := -1
	for i := start + 2; i+1 < len(buf); i++ {
		if buf[i] == 0xFF && buf[i+1] == 0xD9 {
			end = i + 2
			break
		}
	}
	if end < 0 {
		*buffer = buf[start:]
		return nil
	}

	frame := make([]byte, end-start)
	copy(frame, buf[start:end])
	*buffer = buf[end:]
	return frame
}

// snapshotReader polls an HTTP still-image endpoint at the sampling
// interval. Used for cameras that expose a snapshot URL instead of a
// continuous stream.
type snapshotReader struct {
	url      string
	interval time.Duration
	client   *http.Client
	lastPoll time.Time
}

func (r *snapshotReader) Open(ctx context.Context) error {
	// Probe once so connection failures surface as open errors.
	if _, err := r.fetch(ctx); err != nil {
		return err
	}
	r.lastPoll = time.Time{}
	return nil
}

func (r *snapshotReader) ReadFrame(ctx context.Context) ([]byte, error) {
	if !r.lastPoll.IsZero() {
		wait := r.interval - time.Since(r.lastPoll)
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	r.lastPoll = time.Now()
	return r.fetch(ctx)
}

func (r *snapshotReader) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating snapshot request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot endpoint returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading snapshot body: %w", err)
	}
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("snapshot is not a JPEG image")
	}
	return data, nil
}

func (r *snapshotReader) Close() error {
	return nil
}
