package handlers_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/microsoft/wsla/internal/testutil"
	"github.com/microsoft/wsla/internal/vm"
)

func status(resp map[string]any) string {
	s, _ := resp["status"].(string)
	return s
}

func ok(resp map[string]any) bool {
	b, _ := resp["ok"].(bool)
	return b
}

func loggedIn(t *testing.T) (*testutil.TestEnv, *websocket.Conn) {
	t.Helper()
	env := testutil.Setup(t)
	env.SeedAdmin(t)
	conn := env.DialWS(t)
	env.Login(t, conn)
	return env, conn
}

// exitWatcher collects terminalExit pushes for one terminal, including
// those that race ahead of the ack that names it.
type exitWatcher struct {
	exits map[string]float64
}

func (w *exitWatcher) push(event string, data json.RawMessage) {
	if event != "terminalExit" {
		return
	}
	var ev struct {
		Terminal string  `json:"terminal"`
		ExitCode float64 `json:"exitCode"`
	}
	if json.Unmarshal(data, &ev) == nil {
		w.exits[ev.Terminal] = ev.ExitCode
	}
}

func (w *exitWatcher) wait(t *testing.T, env *testutil.TestEnv, conn *websocket.Conn, term string) float64 {
	t.Helper()
	if code, ok := w.exits[term]; ok {
		return code
	}
	data := env.WaitEvent(t, conn, "terminalExit", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), `"`+term+`"`)
	})
	var ev struct {
		ExitCode float64 `json:"exitCode"`
	}
	json.Unmarshal(data, &ev)
	return ev.ExitCode
}

func TestSetupAndLogin(t *testing.T) {
	env := testutil.Setup(t)
	conn := env.DialWS(t)

	if resp := env.SendAndReceive(t, conn, "listContainers"); ok(resp) || status(resp) != "permission_denied" {
		t.Fatalf("unauthenticated list = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "setup", "admin", "short"); status(resp) != "invalid_argument" {
		t.Errorf("short password = %v", resp)
	}

	resp := env.SendAndReceive(t, conn, "setup", "admin", "longenough1")
	if !ok(resp) {
		t.Fatalf("setup = %v", resp)
	}
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatal("setup returned no token")
	}
	if resp := env.SendAndReceive(t, conn, "setup", "other", "longenough2"); status(resp) != "permission_denied" {
		t.Errorf("second setup = %v", resp)
	}

	other := env.DialWS(t)
	if resp := env.SendAndReceive(t, other, "login", "admin", "wrong-password"); ok(resp) {
		t.Errorf("bad password accepted: %v", resp)
	}
	if resp := env.SendAndReceive(t, other, "loginByToken", token+"x"); ok(resp) {
		t.Errorf("tampered token accepted: %v", resp)
	}
	if resp := env.SendAndReceive(t, other, "loginByToken", token); !ok(resp) {
		t.Fatalf("loginByToken = %v", resp)
	}
	if resp := env.SendAndReceive(t, other, "listContainers"); !ok(resp) {
		t.Errorf("list after token login = %v", resp)
	}
}

func TestUnknownEvent(t *testing.T) {
	env, conn := loggedIn(t)
	if resp := env.SendAndReceive(t, conn, "frobnicate"); status(resp) != "not_implemented" {
		t.Errorf("unknown event = %v", resp)
	}
}

func TestContainerLifecycle(t *testing.T) {
	env, conn := loggedIn(t)

	resp := env.SendAndReceive(t, conn, "createContainer", map[string]any{
		"name":  "web",
		"image": "alpine",
		"cmd":   []string{"sleep"},
		"ports": []map[string]any{{"hostPort": 8080, "containerPort": 80}},
		"labels": map[string]string{
			"tier": "front",
		},
	})
	if !ok(resp) {
		t.Fatalf("create = %v", resp)
	}
	ctr, _ := resp["container"].(map[string]any)
	if ctr["state"] != "created" || ctr["name"] != "web" {
		t.Errorf("created container = %v", ctr)
	}
	if ports, _ := ctr["ports"].([]any); len(ports) != 1 {
		t.Errorf("ports = %v", ctr["ports"])
	}

	if resp := env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "web", "image": "alpine"}); ok(resp) {
		t.Errorf("duplicate name accepted: %v", resp)
	}

	if resp := env.SendAndReceive(t, conn, "getLabels", "web"); !ok(resp) {
		t.Errorf("getLabels = %v", resp)
	} else if labels, _ := resp["labels"].(map[string]any); labels["tier"] != "front" {
		t.Errorf("labels = %v", labels)
	}

	if resp := env.SendAndReceive(t, conn, "startContainer", "web"); !ok(resp) {
		t.Fatalf("start = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "getState", "web"); resp["state"] != "running" {
		t.Errorf("state after start = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "deleteContainer", "web"); status(resp) != "invalid_state" {
		t.Errorf("delete while running = %v", resp)
	}

	resp = env.SendAndReceive(t, conn, "inspectContainer", "web")
	if !ok(resp) {
		t.Fatalf("inspect = %v", resp)
	}
	if inspect, _ := resp["inspect"].(map[string]any); inspect["Id"] == nil {
		t.Errorf("inspect = %v", inspect)
	}

	if resp := env.SendAndReceive(t, conn, "stopContainer", "web", map[string]any{"signal": "TERM"}); !ok(resp) {
		t.Fatalf("stop = %v", resp)
	}
	resp = env.SendAndReceive(t, conn, "getState", "web")
	if resp["state"] != "exited" || resp["exitCode"] == nil {
		t.Errorf("state after stop = %v", resp)
	}

	if resp := env.SendAndReceive(t, conn, "deleteContainer", "web"); !ok(resp) {
		t.Fatalf("delete = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "getState", "web"); status(resp) != "not_found" {
		t.Errorf("state after delete = %v", resp)
	}
	if n := env.VM.ReservedPorts(vm.IPv4); n != 0 {
		t.Errorf("%d vm ports still reserved", n)
	}

	resp = env.SendAndReceive(t, conn, "auditLog", 10)
	entries, _ := resp["entries"].([]any)
	if len(entries) < 4 {
		t.Fatalf("audit entries = %v", resp)
	}
	newest, _ := entries[0].(map[string]any)
	if newest["op"] != "delete" || newest["operator"] != testutil.AdminName {
		t.Errorf("newest audit entry = %v", newest)
	}
}

func TestCreateContainerInvalid(t *testing.T) {
	env, conn := loggedIn(t)

	if resp := env.SendAndReceive(t, conn, "createContainer", "not an object"); status(resp) != "invalid_argument" {
		t.Errorf("string request = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "web", "image": "alpine", "network": "overlay"}); status(resp) != "invalid_argument" {
		t.Errorf("bad network = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "ghost", "image": "missing"}); ok(resp) {
		t.Errorf("missing image accepted: %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "startContainer", "nope"); status(resp) != "not_found" {
		t.Errorf("start unknown = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "stopContainer", ""); status(resp) != "invalid_argument" {
		t.Errorf("stop without ref = %v", resp)
	}
}

func TestExecStreamsOutput(t *testing.T) {
	env, conn := loggedIn(t)

	env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "box", "image": "alpine", "cmd": []string{"sleep"}})
	if resp := env.SendAndReceive(t, conn, "startContainer", "box"); !ok(resp) {
		t.Fatalf("start = %v", resp)
	}

	w := &exitWatcher{exits: map[string]float64{}}
	resp := env.SendAndCollect(t, conn, w.push, "execContainer", "box", map[string]any{"cmd": []string{"echo", "hello", "exec"}})
	if !ok(resp) {
		t.Fatalf("exec = %v", resp)
	}
	term, _ := resp["terminal"].(string)
	if !strings.HasPrefix(term, "exec:") {
		t.Fatalf("terminal = %q", term)
	}
	if code := w.wait(t, env, conn, term); code != 0 {
		t.Errorf("exec exit code = %v", code)
	}

	resp = env.SendAndReceive(t, conn, "terminalJoin", term)
	buf, _ := resp["buffer"].(string)
	if !strings.Contains(buf, "hello exec\r\n") || !strings.Contains(buf, "EXITED (0)") {
		t.Errorf("buffer = %q", buf)
	}

	if resp := env.SendAndReceive(t, conn, "terminalJoin", "exec:nope"); status(resp) != "not_found" {
		t.Errorf("join unknown = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "terminalResize", term, 0, 80); status(resp) != "invalid_argument" {
		t.Errorf("zero rows = %v", resp)
	}
}

func TestAttachedStartForwardsInput(t *testing.T) {
	env, conn := loggedIn(t)

	env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "cat", "image": "alpine", "cmd": []string{"cat"}})
	resp := env.SendAndReceive(t, conn, "startContainer", "cat", true)
	if !ok(resp) {
		t.Fatalf("start attached = %v", resp)
	}
	term, _ := resp["terminal"].(string)
	if term == "" {
		t.Fatal("attached start returned no terminal")
	}

	if resp := env.SendAndReceive(t, conn, "terminalInput", term, "ping\n"); !ok(resp) {
		t.Fatalf("input = %v", resp)
	}
	env.WaitEvent(t, conn, "terminalWrite", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), "ping")
	})

	if resp := env.SendAndReceive(t, conn, "stopContainer", "cat"); !ok(resp) {
		t.Fatalf("stop = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "deleteContainer", "cat"); !ok(resp) {
		t.Fatalf("delete = %v", resp)
	}
	if env.App.Terms.Get(term) != nil {
		t.Error("terminal outlived its container")
	}
}

func TestContainerLogs(t *testing.T) {
	env, conn := loggedIn(t)

	env.SendAndReceive(t, conn, "createContainer", map[string]any{"name": "talk", "image": "alpine", "cmd": []string{"echo", "from", "logs"}})
	env.SendAndReceive(t, conn, "startContainer", "talk")

	resp := env.SendAndReceive(t, conn, "containerLogs", "talk", map[string]any{"stdout": true, "follow": true})
	if !ok(resp) {
		t.Fatalf("logs = %v", resp)
	}
	term, _ := resp["terminal"].(string)
	if !strings.HasPrefix(term, "logs:talk:") {
		t.Errorf("terminal = %q", term)
	}
	env.WaitEvent(t, conn, "terminalWrite", func(raw json.RawMessage) bool {
		return strings.Contains(string(raw), "from logs")
	})
}

func TestPullImage(t *testing.T) {
	env, conn := loggedIn(t)

	var progress []string
	resp := env.SendAndCollect(t, conn, func(event string, data json.RawMessage) {
		if event == "pullProgress" {
			progress = append(progress, string(data))
		}
	}, "pullImage", "busybox:latest")
	if !ok(resp) {
		t.Fatalf("pull = %v", resp)
	}
	if len(progress) == 0 {
		t.Error("no pull progress pushed")
	}

	env.Engine.FailPull("broken:latest", "manifest unknown")
	resp = env.SendAndReceive(t, conn, "pullImage", "broken:latest")
	if msg, _ := resp["msg"].(string); ok(resp) || !strings.Contains(msg, "manifest unknown") {
		t.Errorf("failed pull = %v", resp)
	}
	if resp := env.SendAndReceive(t, conn, "pullImage", ""); status(resp) != "invalid_argument" {
		t.Errorf("empty ref = %v", resp)
	}
}

func TestRunProcess(t *testing.T) {
	env, conn := loggedIn(t)

	w := &exitWatcher{exits: map[string]float64{}}
	resp := env.SendAndCollect(t, conn, w.push, "runProcess", map[string]any{"cmd": []string{"sh", "-c", "exit 3"}})
	if !ok(resp) {
		t.Fatalf("run = %v", resp)
	}
	term, _ := resp["terminal"].(string)
	if !strings.HasPrefix(term, "vm:") {
		t.Fatalf("terminal = %q", term)
	}
	if code := w.wait(t, env, conn, term); code != 3 {
		t.Errorf("exit code = %v", code)
	}

	if resp := env.SendAndReceive(t, conn, "runProcess", map[string]any{}); status(resp) != "invalid_argument" {
		t.Errorf("empty command = %v", resp)
	}
}
