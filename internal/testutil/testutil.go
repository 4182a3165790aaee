// Package testutil wires a complete control server against a fake engine
// for end-to-end handler tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/microsoft/wsla/internal/db"
	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/handlers"
	"github.com/microsoft/wsla/internal/models"
	"github.com/microsoft/wsla/internal/session"
	"github.com/microsoft/wsla/internal/terminal"
	"github.com/microsoft/wsla/internal/vm"
	"github.com/microsoft/wsla/internal/ws"
)

const (
	AdminName     = "admin"
	AdminPassword = "testpass123"
)

var msgIDCounter int64

// TestEnv holds a fully wired test application with a temp DB, a fake
// engine and a local VM.
type TestEnv struct {
	App      *handlers.App
	Server   *httptest.Server
	WSServer *ws.Server
	Engine   *docker.FakeEngine
	VM       *vm.Local
	DataDir  string
}

// Launcher serves fe's event feed for the "events" command and runs
// everything else on the host.
func Launcher(fe *docker.FakeEngine) vm.Launcher {
	feed := fe.FeedLauncher()
	return vm.LauncherFunc(func(ctx context.Context, cmd vm.Command) (vm.Process, error) {
		if cmd.Path == "events" {
			return feed.Launch(ctx, cmd)
		}
		return vm.ExecLauncher{}.Launch(ctx, cmd)
	})
}

// Setup creates a test environment with a real HTTP server, BoltDB and a
// fake engine that knows the "alpine" image.
func Setup(t testing.TB) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")

	fe, engineCleanup, err := docker.StartFakeEngine("")
	if err != nil {
		t.Fatal("start fake engine:", err)
	}
	t.Cleanup(engineCleanup)
	fe.AddImage("alpine")

	database, err := db.Open(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	operators := models.NewOperatorStore(database)
	settings := models.NewSettingStore(database)
	audit := models.NewAuditStore(database)

	secret, err := settings.EnsureTokenSecret()
	if err != nil {
		t.Fatal(err)
	}
	count, err := operators.Count()
	if err != nil {
		t.Fatal(err)
	}

	local := vm.NewLocal(vm.LocalOptions{EngineSocket: fe.SocketPath(), PortRangeLow: 41000, PortRangeHigh: 41999})
	sess, err := session.New(context.Background(), session.Options{
		Name:          "test",
		VM:            local,
		Launcher:      Launcher(fe),
		EventsCommand: vm.Command{Path: "events"},
		VolumeRoot:    filepath.Join(tmpDir, "volumes"),
		EngineTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal("new session:", err)
	}

	wss := ws.NewServer()
	app := &handlers.App{
		Session:     sess,
		Operators:   operators,
		Settings:    settings,
		Audit:       audit,
		WS:          wss,
		Terms:       terminal.NewManager(),
		TokenSecret: secret,
		Version:     "test",
	}
	app.SetNeedSetup(count == 0)
	handlers.Register(app)

	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		wss.CloseAll()
		server.Close()
		sess.Close()
	})

	return &TestEnv{
		App:      app,
		Server:   server,
		WSServer: wss,
		Engine:   fe,
		VM:       local,
		DataDir:  dataDir,
	}
}

// SeedAdmin creates the admin operator for tests that need authentication.
func (e *TestEnv) SeedAdmin(t testing.TB) {
	t.Helper()
	if _, err := e.App.Operators.Create(AdminName, AdminPassword); err != nil {
		t.Fatal("seed admin:", err)
	}
	e.App.SetNeedSetup(false)
}

// DialWS opens a WebSocket connection to the test server.
// Push messages sent on connect (info, setup) are not drained here;
// SendAndReceive skips non-ack messages.
func (e *TestEnv) DialWS(t testing.TB) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + e.Server.URL[4:] + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal("dial ws:", err)
	}
	conn.SetReadLimit(1 << 20)

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "")
	})
	return conn
}

// Login logs conn in as the admin and returns the control token.
func (e *TestEnv) Login(t testing.TB, conn *websocket.Conn) string {
	t.Helper()
	resp := e.SendAndReceive(t, conn, "login", AdminName, AdminPassword)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("login failed: %v", resp)
	}
	token, _ := resp["token"].(string)
	return token
}

// SendAndReceive sends an event with an ack id and returns the ack's data.
// Push events arriving first are skipped.
func (e *TestEnv) SendAndReceive(t testing.TB, conn *websocket.Conn, event string, args ...any) map[string]any {
	t.Helper()
	return e.SendAndCollect(t, conn, nil, event, args...)
}

// SendAndCollect is SendAndReceive with push events handed to onPush.
func (e *TestEnv) SendAndCollect(t testing.TB, conn *websocket.Conn, onPush func(event string, data json.RawMessage), event string, args ...any) map[string]any {
	t.Helper()

	id := atomic.AddInt64(&msgIDCounter, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	write(t, ctx, conn, &id, event, args)

	for {
		_, respData, err := conn.Read(ctx)
		if err != nil {
			t.Fatal("read:", err)
		}

		var raw struct {
			ID    *int64          `json:"id"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respData, &raw); err != nil {
			t.Fatal("unmarshal response:", err)
		}
		if raw.ID != nil && *raw.ID == id {
			var data map[string]any
			if err := json.Unmarshal(raw.Data, &data); err != nil {
				t.Fatalf("unmarshal ack %s: %v", raw.Data, err)
			}
			return data
		}
		if raw.ID == nil && onPush != nil {
			onPush(raw.Event, raw.Data)
		}
	}
}

// SendEvent sends an event without waiting for an ack.
func (e *TestEnv) SendEvent(t testing.TB, conn *websocket.Conn, event string, args ...any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	write(t, ctx, conn, nil, event, args)
}

// WaitEvent reads until a push event named event arrives and returns its
// data.
func (e *TestEnv) WaitEvent(t testing.TB, conn *websocket.Conn, event string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		var raw struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if json.Unmarshal(data, &raw) != nil || raw.Event != event {
			continue
		}
		if match == nil || match(raw.Data) {
			return raw.Data
		}
	}
}

func write(t testing.TB, ctx context.Context, conn *websocket.Conn, id *int64, event string, args []any) {
	t.Helper()

	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal("marshal args:", err)
	}
	msg := map[string]any{
		"event": event,
		"args":  json.RawMessage(argsJSON),
	}
	if id != nil {
		msg["id"] = *id
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal("marshal msg:", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatal("write:", err)
	}
}
