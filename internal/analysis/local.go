package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// LocalConfig holds configuration for a locally hosted model
type LocalConfig struct {
	Endpoint string
	Model    string
	// HealthAddr is the gRPC address of the model sidecar. Empty disables the probe.
	HealthAddr string
	Timeout    time.Duration
}

// LocalBackend calls a model served on the same host or network segment
type LocalBackend struct {
	endpoint string
	model    string
	client   *http.Client

	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	mu          sync.RWMutex
	healthy     bool
	healthCheck time.Time
}

// NewLocalBackend creates a local-model backend. The gRPC connection is lazy,
// so an absent sidecar does not prevent startup.
func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	lb := &LocalBackend{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.HealthAddr != "" {
		kacp := keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}
		conn, err := grpc.NewClient(cfg.HealthAddr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(kacp),
		)
		if err != nil {
			return nil, fmt.Errorf("create health client: %w", err)
		}
		lb.conn = conn
		lb.health = healthpb.NewHealthClient(conn)
	}

	return lb, nil
}

func (lb *LocalBackend) Name() string {
	return "local"
}

// IsHealthy probes the sidecar, caching a positive answer for 30 seconds
func (lb *LocalBackend) IsHealthy(ctx context.Context) bool {
	if lb.health == nil {
		return true
	}

	lb.mu.RLock()
	if lb.healthy && time.Since(lb.healthCheck) < 30*time.Second {
		lb.mu.RUnlock()
		return true
	}
	lb.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := lb.health.Check(probeCtx, &healthpb.HealthCheckRequest{})
	ok := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING

	lb.mu.Lock()
	lb.healthy = ok
	lb.healthCheck = time.Now()
	lb.mu.Unlock()
	return ok
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (lb *LocalBackend) Generate(ctx context.Context, prompt string) (*Analysis, error) {
	if !lb.IsHealthy(ctx) {
		return nil, fmt.Errorf("%w: local model sidecar not serving", ErrUnhealthy)
	}

	body, err := json.Marshal(generateRequest{
		Model:  lb.model,
		Prompt: prompt,
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lb.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lb.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("local model returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode local model response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("local model error: %s", out.Error)
	}

	return ParseOutput(out.Response, lb.Name())
}

// Close releases the health probe connection
func (lb *LocalBackend) Close() error {
	if lb.conn != nil {
		return lb.conn.Close()
	}
	return nil
}

var _ Backend = (*LocalBackend)(nil)
