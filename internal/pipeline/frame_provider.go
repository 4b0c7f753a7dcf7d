package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const maxFrameBytes = 16 << 20

// frameClock stamps frames and paces a source at its configured rate
type frameClock struct {
	cameraID string
	interval time.Duration
	seq      atomic.Uint64
	next     time.Time
}

func newFrameClock(cameraID string, fps float64) *frameClock {
	if fps <= 0 {
		fps = 1
	}
	interval := time.Duration(float64(time.Second) / fps)
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	return &frameClock{cameraID: cameraID, interval: interval}
}

// wait blocks until the next frame slot
func (c *frameClock) wait(ctx context.Context) error {
	now := time.Now()
	if c.next.IsZero() || !c.next.After(now) {
		c.next = now.Add(c.interval)
		return ctx.Err()
	}
	timer := time.NewTimer(c.next.Sub(now))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		c.next = c.next.Add(c.interval)
		return nil
	}
}

func (c *frameClock) frame(data []byte) *FrameData {
	return &FrameData{
		CameraID:  c.cameraID,
		Data:      data,
		Seq:       c.seq.Add(1),
		Timestamp: time.Now(),
	}
}

// SnapshotSource polls an HTTP endpoint that returns a single JPEG per request
type SnapshotSource struct {
	url    string
	client *http.Client
	clock  *frameClock
}

// NewSnapshotSource creates a polling source for url at fps frames per second
func NewSnapshotSource(cameraID, url string, fps float64, timeout time.Duration) *SnapshotSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SnapshotSource{
		url:    url,
		client: &http.Client{Timeout: timeout},
		clock:  newFrameClock(cameraID, fps),
	}
}

func (s *SnapshotSource) CameraID() string {
	return s.clock.cameraID
}

func (s *SnapshotSource) Next(ctx context.Context) (*FrameData, error) {
	if err := s.clock.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return s.clock.frame(data), nil
}

func (s *SnapshotSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// MJPEGSource reads a multipart MJPEG stream and yields each embedded JPEG
type MJPEGSource struct {
	url    string
	client *http.Client
	clock  *frameClock

	mu     sync.Mutex
	body   io.ReadCloser
	reader *bufio.Reader
	buffer []byte
}

// NewMJPEGSource creates a source reading the stream at url, sampled at fps.
// When several complete frames are buffered only the newest is returned.
func NewMJPEGSource(cameraID, url string, fps float64) *MJPEGSource {
	return &MJPEGSource{
		url:    url,
		client: &http.Client{},
		clock:  newFrameClock(cameraID, fps),
		buffer: make([]byte, 0, 1024*1024),
	}
}

func (s *MJPEGSource) CameraID() string {
	return s.clock.cameraID
}

func (s *MJPEGSource) connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	s.body = resp.Body
	s.reader = bufio.NewReaderSize(resp.Body, 64*1024)
	s.buffer = s.buffer[:0]
	return nil
}

func (s *MJPEGSource) Next(ctx context.Context) (*FrameData, error) {
	if err := s.clock.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.body == nil {
		if err := s.connect(ctx); err != nil {
			return nil, err
		}
	}

	// keep only the newest complete frame in the buffer
	chunk := make([]byte, 32*1024)
	var latest []byte
	for {
		if frame := extractJPEGFrame(&s.buffer); frame != nil {
			latest = frame
			continue
		}
		if latest != nil && s.reader.Buffered() == 0 {
			return s.clock.frame(latest), nil
		}

		n, err := s.reader.Read(chunk)
		if n > 0 {
			s.buffer = append(s.buffer, chunk[:n]...)
			if len(s.buffer) > maxFrameBytes {
				s.buffer = s.buffer[:0]
			}
		}
		if err != nil {
			s.body.Close()
			s.body = nil
			if latest != nil {
				return s.clock.frame(latest), nil
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}
	}
}

func (s *MJPEGSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body != nil {
		err := s.body.Close()
		s.body = nil
		return err
	}
	return nil
}

// DirectorySource replays the JPEG files of a directory in name order
type DirectorySource struct {
	files []string
	loop  bool
	clock *frameClock
	pos   int
}

// NewDirectorySource lists the .jpg/.jpeg files in dir
func NewDirectorySource(cameraID, dir string, fps float64, loop bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no JPEG frames in %s", dir)
	}
	sort.Strings(files)

	return &DirectorySource{
		files: files,
		loop:  loop,
		clock: newFrameClock(cameraID, fps),
	}, nil
}

func (s *DirectorySource) CameraID() string {
	return s.clock.cameraID
}

func (s *DirectorySource) Next(ctx context.Context) (*FrameData, error) {
	if s.pos >= len(s.files) {
		if !s.loop {
			return nil, ErrSourceExhausted
		}
		s.pos = 0
	}
	if err := s.clock.wait(ctx); err != nil {
		return nil, err
	}

	path := s.files[s.pos]
	s.pos++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	return s.clock.frame(data), nil
}

func (s *DirectorySource) Close() error {
	return nil
}

// IsFatal reports whether a source error should end ingestion rather than
// be logged and retried. A request that timed out is not fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSourceExhausted) || errors.Is(err, context.Canceled)
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

var (
	_ FrameSource = (*SnapshotSource)(nil)
	_ FrameSource = (*MJPEGSource)(nil)
	_ FrameSource = (*DirectorySource)(nil)
)
