package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/app"
	"ppewatch/internal/auth"
	"ppewatch/internal/blob"
	"ppewatch/internal/pipeline"
	"ppewatch/internal/store"
)

type fixedStats struct{ stats app.Stats }

func (f fixedStats) Stats() app.Stats { return f.stats }

type fixedIngest struct{ stats pipeline.IngestStats }

func (f fixedIngest) Stats() pipeline.IngestStats { return f.stats }

type harness struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	blobs  *blob.FileStorage
	signer *blob.Signer
}

func newHarness(t *testing.T, authn *auth.Authenticator) *harness {
	t.Helper()
	signer := blob.NewSigner("blob-secret")
	blobs, err := blob.NewFileStorage(t.TempDir(), "", signer)
	if err != nil {
		t.Fatalf("new blob storage: %v", err)
	}
	st := store.NewMemory()

	s := New(Deps{
		Store:         st,
		Blobs:         blobs,
		Signer:        signer,
		Authenticator: authn,
		Pipeline:      fixedStats{app.Stats{QueueLen: 1, QueueCap: 5}},
		Ingestors:     []IngestSource{fixedIngest{pipeline.IngestStats{CameraID: "cam-1", FramesProcessed: 42}}},
	}, Config{SignedTTL: time.Minute}, zerolog.Nop())

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: st, blobs: blobs, signer: signer}
}

func (h *harness) seed(t *testing.T, id string, ts time.Time) {
	t.Helper()
	loc, err := h.blobs.Put(context.Background(), "2026/01/01/"+id+"/annotated.jpg", []byte("\xff\xd8\xff\xe0jpeg"))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	rec := &store.Record{
		ReportID:          id,
		CameraID:          "cam-1",
		Timestamp:         ts,
		Severity:          "HIGH",
		Status:            "completed",
		MissingPPE:        []string{"hardhat"},
		AnnotatedImageURL: loc,
		UpdatedAt:         ts,
	}
	if err := h.store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestListIncidentsSignsURLs(t *testing.T) {
	h := newHarness(t, nil)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.seed(t, "r1", base)
	h.seed(t, "r2", base.Add(time.Minute))

	var body IncidentsResponse
	if code := getJSON(t, h.srv.URL+"/api/v1/incidents?limit=10", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body.Count != 2 || body.Incidents[0].ReportID != "r2" {
		t.Fatalf("unexpected listing %+v", body)
	}

	signed := body.Incidents[0].AnnotatedImageURL
	if !strings.HasPrefix(signed, "/blobs/2026/01/01/r2/annotated.jpg?token=") {
		t.Fatalf("expected signed url, got %q", signed)
	}

	resp, err := http.Get(h.srv.URL + signed)
	if err != nil {
		t.Fatalf("get blob: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(data, []byte("\xff\xd8")) {
		t.Fatalf("unexpected blob response %d %q", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}

	rec, err := h.store.Get(context.Background(), "r2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(rec.AnnotatedImageURL, "token=") {
		t.Fatalf("signing must not leak into the store: %q", rec.AnnotatedImageURL)
	}
}

func TestListIncidentsRejectsBadLimit(t *testing.T) {
	h := newHarness(t, nil)
	var body ErrorResponse
	if code := getJSON(t, h.srv.URL+"/api/v1/incidents?limit=abc", &body); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if body.Error == "" || body.RequestID == "" {
		t.Fatalf("expected error with request id, got %+v", body)
	}
}

func TestGetIncident(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "r1", time.Now().UTC())

	var rec store.Record
	if code := getJSON(t, h.srv.URL+"/api/v1/incidents/r1", &rec); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if rec.ReportID != "r1" || rec.Severity != "HIGH" {
		t.Fatalf("unexpected record %+v", rec)
	}

	if code := getJSON(t, h.srv.URL+"/api/v1/incidents/missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestBlobRequiresValidToken(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "r1", time.Now().UTC())
	key := "2026/01/01/r1/annotated.jpg"

	if code := getJSON(t, h.srv.URL+"/blobs/"+key, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", code)
	}

	other, _ := h.signer.Sign("2026/01/01/other/annotated.jpg", time.Minute)
	if code := getJSON(t, h.srv.URL+"/blobs/"+key+"?token="+other, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 for token scoped to another blob, got %d", code)
	}

	missing := "2026/01/01/r9/annotated.jpg"
	token, _ := h.signer.Sign(missing, time.Minute)
	if code := getJSON(t, h.srv.URL+"/blobs/"+missing+"?token="+token, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing blob, got %d", code)
	}
}

func TestStatsAndHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "r1", time.Now().UTC())

	var stats StatsResponse
	if code := getJSON(t, h.srv.URL+"/api/v1/stats", &stats); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if stats.ByStatus["completed"] != 1 || stats.Pipeline.QueueCap != 5 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Cameras) != 1 || stats.Cameras[0].FramesProcessed != 42 {
		t.Fatalf("unexpected camera stats %+v", stats.Cameras)
	}

	var health HealthResponse
	if code := getJSON(t, h.srv.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health.Status != "healthy" || health.QueueLen != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestAuthGuardsAPI(t *testing.T) {
	authn, err := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "op", Password: "pw", JWTSecret: "jwt"})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	h := newHarness(t, authn)

	if code := getJSON(t, h.srv.URL+"/api/v1/incidents", nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := getJSON(t, h.srv.URL+"/health", nil); code != http.StatusOK {
		t.Fatalf("expected public health, got %d", code)
	}

	bad, _ := json.Marshal(LoginRequest{Username: "op", Password: "nope"})
	resp, err := http.Post(h.srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(bad))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", resp.StatusCode)
	}

	good, _ := json.Marshal(LoginRequest{Username: "op", Password: "pw"})
	resp, err = http.Post(h.srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(good))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var login LoginResponse
	json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("expected token, got %d %+v", resp.StatusCode, login)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}
