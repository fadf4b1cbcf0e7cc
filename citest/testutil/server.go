package testutil

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/opencode-ai/sessioncore/internal/app"
	"github.com/opencode-ai/sessioncore/internal/server"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// TestServer runs the full session server on a free port.
type TestServer struct {
	App     *app.App
	Server  *server.Server
	BaseURL string
	Config  *types.Config
	DataDir string

	ownsDir bool
	done    chan error
}

// TestServerOption configures TestServer
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	dataDir string
	envFile string
	llmURL  string
	backend string
}

// WithDataDir stores sessions in dir, which outlives the server. Reusing
// a directory across servers simulates a restart.
func WithDataDir(dir string) TestServerOption {
	return func(c *testServerConfig) {
		c.dataDir = dir
	}
}

// WithEnvFile sets the .env file to load
func WithEnvFile(path string) TestServerOption {
	return func(c *testServerConfig) {
		c.envFile = path
	}
}

// WithMockLLM points the openai provider at a MockLLMServer URL.
func WithMockLLM(url string) TestServerOption {
	return func(c *testServerConfig) {
		c.llmURL = url
	}
}

// WithBackend selects the storage backend, "file" or "sqlite".
func WithBackend(backend string) TestServerOption {
	return func(c *testServerConfig) {
		c.backend = backend
	}
}

// StartTestServer creates and starts a test server
func StartTestServer(opts ...TestServerOption) (*TestServer, error) {
	cfg := &testServerConfig{backend: "file"}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.envFile != "" {
		_ = godotenv.Load(cfg.envFile)
	} else {
		_ = godotenv.Load("../../.env")
		_ = godotenv.Load(".env")
	}

	dataDir, ownsDir := cfg.dataDir, false
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "sessioncore-test-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		dataDir, ownsDir = dir, true
	}

	appConfig := buildTestConfig(cfg, dataDir)

	ctx := context.Background()
	a, err := app.New(ctx, appConfig)
	if err != nil {
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("failed to wire app: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		a.Close(ctx)
		if ownsDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	srvConfig := server.DefaultConfig()
	srvConfig.Addr = ln.Addr().String()
	srv := server.New(srvConfig, appConfig, a.Orchestrator, a.Store, a.Bus)

	ts := &TestServer{
		App:     a,
		Server:  srv,
		BaseURL: "http://" + ln.Addr().String(),
		Config:  appConfig,
		DataDir: dataDir,
		ownsDir: ownsDir,
		done:    make(chan error, 1),
	}
	go func() {
		ts.done <- srv.Serve(ln)
	}()

	if err := waitForServer(ts.BaseURL, 10*time.Second); err != nil {
		ts.Stop()
		return nil, fmt.Errorf("server failed to start: %w", err)
	}
	return ts, nil
}

// Stop shuts down the server, saves live sessions and removes a temp data
// dir the server created.
func (ts *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ts.Server.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-ts.done:
	case <-ctx.Done():
	}
	err := ts.App.Close(ctx)

	if ts.ownsDir {
		os.RemoveAll(ts.DataDir)
	}
	return err
}

// Client returns a new test client for this server
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// SSEClient returns a new SSE client for this server
func (ts *TestServer) SSEClient() *SSEClient {
	return NewSSEClient(ts.BaseURL)
}

// buildTestConfig uses the mock LLM when given, otherwise a real OpenAI
// compatible endpoint from OPENAI_API_KEY, OPENAI_BASE_URL and
// OPENAI_MODEL_ID.
func buildTestConfig(c *testServerConfig, dataDir string) *types.Config {
	provider := types.ProviderConfig{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL_ID"),
	}
	if c.llmURL != "" {
		provider = types.ProviderConfig{APIKey: "mock-key", BaseURL: c.llmURL, Model: "mock-gpt-4"}
	}

	path := filepath.Join(dataDir, "storage")
	if c.backend == "sqlite" {
		path = filepath.Join(dataDir, "sessions.db")
	}

	return &types.Config{
		Model:      "openai/" + provider.Model,
		SmallModel: "openai/" + provider.Model,
		Provider:   map[string]types.ProviderConfig{"openai": provider},
		Storage:    &types.StorageConfig{Backend: c.backend, Path: path},
	}
}

// waitForServer waits for the server to be ready
func waitForServer(baseURL string, timeout time.Duration) error {
	client := NewTestClient(baseURL)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(context.Background(), "/config")
		if err == nil && resp.IsSuccess() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// SkipIfMissingEnv reports whether any of vars is unset.
func SkipIfMissingEnv(vars ...string) bool {
	for _, v := range vars {
		if os.Getenv(v) == "" {
			return true
		}
	}
	return false
}
