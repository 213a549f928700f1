package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-mcp-engine"
	"github.com/golang-jwt/jwt/v5"
)

func newStreamableServer(
	t *testing.T,
	setup func(*mcp.Engine),
	options ...mcp.StreamableHTTPServerOption,
) (*mcp.StreamableHTTPServer, *httptest.Server) {
	t.Helper()

	srv := mcp.NewStreamableHTTPServer(func(sess *mcp.StreamableHTTPSession) error {
		e := mcp.NewEngine(mcp.RoleServer, sess,
			mcp.WithEngineID(sess.ID()),
			mcp.WithEngineInfo(mcp.Info{Name: "http-server", Version: "1.0"}),
		)
		if setup != nil {
			setup(e)
		}
		return e.Start(context.Background())
	}, options...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func startHTTPClient(t *testing.T, url string, options ...mcp.StreamableHTTPClientOption) *mcp.Engine {
	t.Helper()

	client := mcp.NewEngine(mcp.RoleClient, mcp.NewStreamableHTTPClient(url, options...),
		mcp.WithEngineInfo(mcp.Info{Name: "http-client", Version: "1.0"}),
		mcp.WithEngineClientCapabilities(mcp.ClientCapabilities{Sampling: &mcp.SamplingCapability{}}),
	)
	t.Cleanup(func() {
		_ = client.Stop(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("client not ready: %v", err)
	}
	return client
}

func postJSON(t *testing.T, url, sessionID string, body any) *http.Response {
	t.Helper()

	bs, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func initializeOverHTTP(t *testing.T, url string) string {
	t.Helper()

	resp := postJSON(t, url, "", request(mcp.NewStringRequestID("init"), mcp.MethodInitialize, mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Info{Name: "raw", Version: "1"},
	}))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: got status %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize: no session id")
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("initialize: decode: %v", err)
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(msg.Result, &res); err != nil {
		t.Fatalf("initialize: decode result: %v", err)
	}
	if res.ServerInfo.Name != "http-server" {
		t.Errorf("initialize: got server info %+v", res.ServerInfo)
	}

	resp = postJSON(t, url, sessID, notification(mcp.MethodNotificationsInitialized, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized: got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	return sessID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamableHTTPRequests(t *testing.T) {
	_, ts := newStreamableServer(t, func(e *mcp.Engine) {
		e.RegisterRequestHandler("test/echo", func(_ context.Context, params json.RawMessage) (any, error) {
			return params, nil
		})
	})
	client := startHTTPClient(t, ts.URL)

	if got := client.PeerInfo().Name; got != "http-server" {
		t.Errorf("got peer %q, want http-server", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := client.SendRequest(ctx, "test/echo", map[string]int{"n": i})
			if err != nil {
				t.Errorf("request %d failed: %v", i, err)
				return
			}
			var got map[string]int
			if err := json.Unmarshal(res, &got); err != nil || got["n"] != i {
				t.Errorf("request %d: got %s", i, res)
			}
		}()
	}
	wg.Wait()

	_, err := client.SendRequest(ctx, "test/missing", nil)
	var jErr *mcp.JSONRPCError
	if !errors.As(err, &jErr) || jErr.Code != mcp.CodeMethodNotFound {
		t.Errorf("got %v, want method not found", err)
	}
}

func TestStreamableHTTPServerToClientRequest(t *testing.T) {
	var server *mcp.Engine
	var mu sync.Mutex
	_, ts := newStreamableServer(t, func(e *mcp.Engine) {
		mu.Lock()
		server = e
		mu.Unlock()
	})

	client := startHTTPClient(t, ts.URL)
	client.RegisterRequestHandler(mcp.MethodRootsList, func(context.Context, json.RawMessage) (any, error) {
		return map[string][]string{"roots": {"file:///tmp"}}, nil
	})

	mu.Lock()
	e := server
	mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := e.WaitReady(ctx); err != nil {
		t.Fatalf("server not ready: %v", err)
	}

	// The request travels over the standalone stream, which the client opens after the
	// handshake.
	var res json.RawMessage
	var err error
	waitFor(t, "server request to reach the client", func() bool {
		reqCtx, reqCancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer reqCancel()
		res, err = e.SendRequest(reqCtx, mcp.MethodRootsList, nil)
		return err == nil
	})
	if !strings.Contains(string(res), "file:///tmp") {
		t.Errorf("got %s", res)
	}
}

func TestStreamableHTTPSSEProgress(t *testing.T) {
	const steps = 4

	_, ts := newStreamableServer(t, func(e *mcp.Engine) {
		e.RegisterRequestHandler("test/long", func(ctx context.Context, _ json.RawMessage) (any, error) {
			progress := mcp.ProgressFromContext(ctx)
			for i := 1; i <= steps; i++ {
				progress.UpdateProgress(ctx, float64(i), steps)
			}
			return map[string]string{"status": "done"}, nil
		})
	}, mcp.WithSSEResponses())
	client := startHTTPClient(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	var mu sync.Mutex
	var updates []mcp.ProgressParams
	res, err := client.SendRequest(ctx, "test/long", nil, mcp.WithProgressHandler(func(p mcp.ProgressParams) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !strings.Contains(string(res), "done") {
		t.Errorf("got result %s", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(updates) < steps {
		t.Fatalf("got %d progress updates, want at least %d", len(updates), steps)
	}
	for i := range steps {
		if updates[i].Progress != float64(i+1) {
			t.Errorf("update %d: got %+v", i, updates[i])
		}
	}
}

func TestStreamableHTTPAuthentication(t *testing.T) {
	var mu sync.Mutex
	var subject string
	_, ts := newStreamableServer(t, func(e *mcp.Engine) {
		e.RegisterRequestHandler("test/whoami", func(ctx context.Context, _ json.RawMessage) (any, error) {
			info := mcp.AuthInfoFromContext(ctx)
			if info == nil {
				return nil, errors.New("no auth info")
			}
			mu.Lock()
			subject = info.Subject
			mu.Unlock()
			return nil, nil
		})
	}, mcp.WithAuthenticator(mcp.NewJWTAuthenticator(testSecret)))

	t.Run("missing token", func(t *testing.T) {
		resp := postJSON(t, ts.URL, "", request(mcp.NewRequestID(1), mcp.MethodInitialize, nil))
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusUnauthorized)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Error("missing WWW-Authenticate header")
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		client := mcp.NewEngine(mcp.RoleClient, mcp.NewStreamableHTTPClient(ts.URL, mcp.WithBearerToken("not-a-jwt")),
			mcp.WithHandshakeTimeout(time.Second))
		defer client.Stop(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := client.Start(ctx); err != nil {
			t.Fatalf("failed to start client: %v", err)
		}
		if err := client.WaitReady(ctx); err == nil {
			t.Error("handshake succeeded with an invalid token")
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token := signHS256(t, jwt.MapClaims{
			"sub": "alice",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		client := startHTTPClient(t, ts.URL, mcp.WithBearerToken(token))

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if _, err := client.SendRequest(ctx, "test/whoami", nil); err != nil {
			t.Fatalf("request failed: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if subject != "alice" {
			t.Errorf("got subject %q, want alice", subject)
		}
	})
}

func TestStreamableHTTPStatusCodes(t *testing.T) {
	_, ts := newStreamableServer(t, nil)
	sessID := initializeOverHTTP(t, ts.URL)

	ping := `{"jsonrpc":"2.0","id":7,"method":"ping"}`

	tests := []struct {
		name       string
		method     string
		body       string
		header     map[string]string
		wantStatus int
	}{
		{
			name:       "ping",
			method:     http.MethodPost,
			body:       ping,
			header:     map[string]string{"Mcp-Session-Id": sessID},
			wantStatus: http.StatusOK,
		},
		{
			name:       "unsupported method",
			method:     http.MethodPut,
			body:       ping,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "wrong content type",
			method:     http.MethodPost,
			body:       ping,
			header:     map[string]string{"Content-Type": "text/plain", "Mcp-Session-Id": sessID},
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:       "not acceptable",
			method:     http.MethodPost,
			body:       ping,
			header:     map[string]string{"Accept": "text/html", "Mcp-Session-Id": sessID},
			wantStatus: http.StatusNotAcceptable,
		},
		{
			name:       "parse error",
			method:     http.MethodPost,
			body:       `{"jsonrpc":`,
			header:     map[string]string{"Mcp-Session-Id": sessID},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing session",
			method:     http.MethodPost,
			body:       ping,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown session",
			method:     http.MethodPost,
			body:       ping,
			header:     map[string]string{"Mcp-Session-Id": "unknown"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown protocol version",
			method:     http.MethodPost,
			body:       ping,
			header:     map[string]string{"Mcp-Session-Id": sessID, "Mcp-Protocol-Version": "1999-01-01"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "delete unknown session",
			method:     http.MethodDelete,
			header:     map[string]string{"Mcp-Session-Id": "unknown"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "stream without session",
			method:     http.MethodGet,
			header:     map[string]string{"Accept": "text/event-stream"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.URL, strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json, text/event-stream")
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)

			if resp.StatusCode != tc.wantStatus {
				t.Errorf("got status %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestStreamableHTTPDeleteSession(t *testing.T) {
	srv, ts := newStreamableServer(t, nil)
	sessID := initializeOverHTTP(t, ts.URL)

	if got := srv.SessionCount(); got != 1 {
		t.Fatalf("got %d sessions, want 1", got)
	}

	req, err := http.NewRequest(http.MethodDelete, ts.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if got := srv.SessionCount(); got != 0 {
		t.Errorf("got %d sessions after delete, want 0", got)
	}

	resp = postJSON(t, ts.URL, sessID, request(mcp.NewRequestID(2), mcp.MethodPing, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d for a deleted session, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestStreamableHTTPClientStopEndsSession(t *testing.T) {
	srv, ts := newStreamableServer(t, nil)
	client := startHTTPClient(t, ts.URL)

	if got := srv.SessionCount(); got != 1 {
		t.Fatalf("got %d sessions, want 1", got)
	}
	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, "session to close", func() bool { return srv.SessionCount() == 0 })
}

func TestStreamableHTTPServerClose(t *testing.T) {
	srv, ts := newStreamableServer(t, nil)
	client := startHTTPClient(t, ts.URL)

	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.Ping(ctx); err == nil {
		t.Error("ping succeeded after the server closed")
	}

	resp := postJSON(t, ts.URL, "", request(mcp.NewRequestID(1), mcp.MethodInitialize, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
}
