package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/config"
	"ppewatch/internal/store"
)

func TestBuildChainOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Analysis.Backends = []string{"local", "remote", "template"}
	cfg.Analysis.Remote.APIKeyEnv = "PPEWATCH_TEST_UNSET_KEY"
	t.Setenv("PPEWATCH_TEST_UNSET_KEY", "")

	chain, closeChain, err := buildChain(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	defer closeChain()

	names := chain.Names()
	if len(names) != 2 || names[0] != "local" || names[1] != "template" {
		t.Fatalf("expected remote to be skipped without a key, got %v", names)
	}

	cfg.Analysis.Backends = []string{"oracle"}
	if _, _, err := buildChain(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001.jpg"), []byte("\xff\xd8\xff\xd9"), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	for _, cam := range []config.CameraConfig{
		{ID: "a", Type: "snapshot", URL: "http://cam/snap.jpg", FPS: 1},
		{ID: "b", Type: "mjpeg", URL: "http://cam/stream", FPS: 2},
		{ID: "c", Type: "directory", Dir: dir, FPS: 5},
	} {
		src, err := openSource(cam, time.Second)
		if err != nil {
			t.Fatalf("open %s source: %v", cam.Type, err)
		}
		if src.CameraID() != cam.ID {
			t.Fatalf("expected camera %s, got %s", cam.ID, src.CameraID())
		}
		src.Close()
	}

	if _, err := openSource(config.CameraConfig{ID: "x", Type: "rtsp"}, time.Second); err == nil {
		t.Fatalf("expected error for unknown source type")
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	st, err := openStore(config.StoreConfig{Driver: "memory"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	st.Close()

	if _, err := openStore(config.StoreConfig{Driver: "mongo"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestRetentionRemovesExpired(t *testing.T) {
	st := store.NewMemory()
	now := time.Now().UTC()
	for id, ts := range map[string]time.Time{"old": now.Add(-48 * time.Hour), "new": now} {
		if err := st.Upsert(context.Background(), &store.Record{ReportID: id, Timestamp: ts, Status: "completed"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runRetention(ctx, st, config.RetentionConfig{MaxAge: 24 * time.Hour, Interval: time.Hour}, zerolog.Nop())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, err := st.Get(context.Background(), "old"); err != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("old record was not removed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if _, err := st.Get(context.Background(), "new"); err != nil {
		t.Fatalf("recent record removed: %v", err)
	}
}
