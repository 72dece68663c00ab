package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/embedding"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/server"
	"github.com/scrypster/engram/internal/storage/sqlite"
	"github.com/scrypster/engram/web/handlers"
)

const testDimension = 16

// startTestServer starts a server on a random port over an in-memory store
// and returns its base URL.
func startTestServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	srv, _ := newTestServer(t, mutate)
	return "http://" + srv.Addr
}

// newTestServer starts a server and returns it with the function that
// stops it.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*server.Running, context.CancelFunc) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	store, err := sqlite.NewStore(":memory:", sqlite.Options{Dimension: testDimension})
	require.NoError(t, err)

	e, err := engine.NewMemoryEngine(engine.Options{
		Working:       store,
		Semantic:      store.Semantic(),
		Graph:         store,
		Decisions:     store,
		Embedder:      embedding.NewGuarded(embedding.NewHashProvider(testDimension), testDimension, time.Second, nil),
		Consolidation: cfg.Consolidation,
		Retrieval:     cfg.Retrieval,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.Start(ctx, cfg, e)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		<-srv.Done()
		_ = store.Close()
	})
	return srv, cancel
}

func TestDoneClosesAfterShutdown(t *testing.T) {
	srv, stop := newTestServer(t, nil)

	resp, err := http.Get("http://" + srv.Addr + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case <-srv.Done():
		t.Fatal("Done closed while the server is running")
	default:
	}

	stop()
	select {
	case <-srv.Done():
	case <-time.After(6 * time.Second):
		t.Fatal("server did not finish shutting down")
	}

	_, err = http.Get("http://" + srv.Addr + "/api/health")
	assert.Error(t, err, "listener is closed after shutdown")
}

func TestHealthEndpoint(t *testing.T) {
	base := startTestServer(t, nil)

	resp, err := http.Get(base + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var health handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestRateLimit(t *testing.T) {
	base := startTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.5
		c.Server.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(base + "/api/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUnknownMethodRejected(t *testing.T) {
	base := startTestServer(t, nil)

	req, err := http.NewRequest(http.MethodPut, base+"/api/memories", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReportStream(t *testing.T) {
	base := startTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	// The hub registers the client asynchronously; retry the tick until a
	// report arrives.
	received := make(chan []byte, 1)
	go func() {
		_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		if err == nil {
			received <- data
		}
	}()

	for {
		resp, err := http.Post(base+"/api/consolidation/tick", "application/json", nil)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		select {
		case data := <-received:
			var msg handlers.StreamMessage
			require.NoError(t, json.Unmarshal(data, &msg))
			assert.Equal(t, "consolidation_report", msg.Type)
			require.NotNil(t, msg.Report)
			assert.Equal(t, engine.TriggerManual, msg.Report.Trigger)
			return
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no report received over the stream")
		}
	}
}
