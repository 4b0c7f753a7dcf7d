package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func jpegBytes(marker byte) []byte {
	return []byte{0xFF, 0xD8, marker, marker, 0xFF, 0xD9}
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002.jpg", "001.jpeg", "notes.txt", "003.JPG"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	src, err := NewDirectorySource("replay", dir, 100, false)
	if err != nil {
		t.Fatalf("new directory source: %v", err)
	}
	ctx := context.Background()

	var names []string
	for {
		frame, err := src.Next(ctx)
		if errors.Is(err, ErrSourceExhausted) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if frame.CameraID != "replay" || frame.Seq != uint64(len(names)+1) {
			t.Fatalf("unexpected frame metadata %+v", frame)
		}
		names = append(names, string(frame.Data))
	}

	want := []string{"001.jpeg", "002.jpg", "003.JPG"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
	if !IsFatal(ErrSourceExhausted) {
		t.Fatalf("exhaustion should end ingestion")
	}
}

func TestDirectorySourceLoops(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("a"), 0o644)

	src, err := NewDirectorySource("cam", dir, 100, true)
	if err != nil {
		t.Fatalf("new directory source: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := src.Next(context.Background()); err != nil {
			t.Fatalf("loop iteration %d: %v", i, err)
		}
	}

	if _, err := NewDirectorySource("cam", t.TempDir(), 1, false); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}

func TestSnapshotSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBytes(1))
	}))
	defer srv.Close()

	src := NewSnapshotSource("cam-1", srv.URL, 20, time.Second)
	defer src.Close()

	for i := 1; i <= 2; i++ {
		frame, err := src.Next(context.Background())
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if frame.Seq != uint64(i) || len(frame.Data) != 6 {
			t.Fatalf("unexpected frame %+v", frame)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Next(ctx); !IsFatal(err) {
		t.Fatalf("expected cancellation to be fatal, got %v", err)
	}
}

func TestMJPEGSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		for i := byte(1); i <= 3; i++ {
			w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n"))
			w.Write(jpegBytes(i))
			w.Write([]byte("\r\n"))
		}
	}))
	defer srv.Close()

	src := NewMJPEGSource("cam-1", srv.URL, 20)
	defer src.Close()

	frame, err := src.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(frame.Data) != 6 || frame.Data[0] != 0xFF || frame.Data[1] != 0xD8 {
		t.Fatalf("expected a complete JPEG, got %v", frame.Data)
	}
}

func TestExtractJPEGFrame(t *testing.T) {
	buf := append([]byte("junk"), jpegBytes(7)...)
	buf = append(buf, 0xFF, 0xD8, 0x01)

	frame := extractJPEGFrame(&buf)
	if len(frame) != 6 || frame[2] != 7 {
		t.Fatalf("unexpected frame %v", frame)
	}
	if extractJPEGFrame(&buf) != nil {
		t.Fatalf("expected partial frame to stay buffered")
	}
	if len(buf) != 3 {
		t.Fatalf("expected partial frame left in buffer, got %d bytes", len(buf))
	}
}
