package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/microsoft/wsla/internal/relay"
)

// setupFakeEngine starts a FakeEngine with alpine available and returns a
// client connected to it.
func setupFakeEngine(t *testing.T) (*FakeEngine, *Client) {
	t.Helper()

	fe, cleanup, err := StartFakeEngine("")
	if err != nil {
		t.Fatalf("start fake engine: %v", err)
	}
	t.Cleanup(cleanup)
	fe.AddImage("alpine")

	return fe, NewClient(fe.Dialer())
}

func createContainer(t *testing.T, c *Client, name string, cmd ...string) string {
	t.Helper()

	id, err := c.CreateContainer(context.Background(), name, &container.Config{
		Image:  "alpine",
		Cmd:    cmd,
		Labels: map[string]string{"app": name},
	}, nil)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return id
}

func TestFakeEngine_Lifecycle(t *testing.T) {
	fe, c := setupFakeEngine(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	id := createContainer(t, c, "web", "sleep")
	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info, err := c.InspectContainer(ctx, id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.State == nil || !info.State.Running || info.Name != "/web" {
		t.Errorf("inspect = %+v", info)
	}
	if !bytes.Contains(info.Raw, []byte(`"Id"`)) {
		t.Error("raw inspect document missing")
	}

	if err := c.DeleteContainer(ctx, id, false); !errdefs.IsConflict(err) {
		t.Errorf("delete running = %v, want conflict", err)
	}

	if err := c.StopContainer(ctx, id, "", nil); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.StopContainer(ctx, id, "", nil); !errdefs.IsNotModified(err) {
		t.Errorf("second stop = %v, want not modified", err)
	}
	if fe.ContainerStatus(id) != "exited" {
		t.Errorf("status = %q", fe.ContainerStatus(id))
	}

	if err := c.DeleteContainer(ctx, id, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.InspectContainer(ctx, id); !errdefs.IsNotFound(err) {
		t.Errorf("inspect deleted = %v, want not found", err)
	}
}

func TestFakeEngine_CreateUnknownImage(t *testing.T) {
	_, c := setupFakeEngine(t)

	_, err := c.CreateContainer(context.Background(), "x", &container.Config{Image: "missing:1"}, nil)
	if !errdefs.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestFakeEngine_ListByLabel(t *testing.T) {
	_, c := setupFakeEngine(t)
	createContainer(t, c, "one", "sleep")
	createContainer(t, c, "two", "sleep")

	list, err := c.ListContainers(context.Background(), "app=two")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Names[0] != "/two" {
		t.Fatalf("list = %+v", list)
	}

	all, err := c.ListContainers(context.Background(), "app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}
}

func TestFakeEngine_AttachBeforeStart(t *testing.T) {
	_, c := setupFakeEngine(t)
	ctx := context.Background()

	id := createContainer(t, c, "hello", "echo", "hello", "world")
	conn, err := c.AttachContainer(ctx, id)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer conn.Close()

	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, conn); err != nil {
		t.Fatalf("demux: %v", err)
	}
	if stdout.String() != "hello world\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestFakeEngine_ExecCat(t *testing.T) {
	fe, c := setupFakeEngine(t)
	ctx := context.Background()

	id := createContainer(t, c, "box", "sleep")
	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatal(err)
	}

	execID, err := c.CreateExec(ctx, id, container.ExecOptions{
		Cmd:          []string{"cat"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		t.Fatalf("CreateExec: %v", err)
	}
	conn, err := c.StartExec(ctx, execID, true)
	if err != nil {
		t.Fatalf("StartExec: %v", err)
	}
	defer conn.Close()

	if err := c.ResizeExec(ctx, execID, 40, 120); err != nil {
		t.Fatalf("ResizeExec: %v", err)
	}
	if rows, cols := fe.TTYSize(execID); rows != 40 || cols != 120 {
		t.Errorf("tty size = %dx%d", rows, cols)
	}

	io.WriteString(conn, "ping\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ping\n" {
		t.Errorf("echo = %q", line)
	}

	conn.(interface{ CloseWrite() error }).CloseWrite()
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := c.InspectExec(ctx, execID)
		if err != nil {
			t.Fatal(err)
		}
		if !info.Running && info.ExitCode != nil {
			if *info.ExitCode != 0 {
				t.Errorf("exit code = %d", *info.ExitCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("exec did not exit after stdin closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFakeEngine_Logs(t *testing.T) {
	_, c := setupFakeEngine(t)
	ctx := context.Background()

	id := createContainer(t, c, "noisy", "warn", "oops")
	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, c, id, "exited")

	streams, h, err := c.ContainerLogs(ctx, id, false, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}

	r := relay.New()
	defer r.Stop()
	if err := r.Add(h); err != nil {
		t.Fatal(err)
	}

	stderr, err := io.ReadAll(streams.Stderr)
	if err != nil {
		t.Fatalf("read stderr: %v", err)
	}
	stdout, _ := io.ReadAll(streams.Stdout)
	if string(stderr) != "oops\n" || len(stdout) != 0 {
		t.Errorf("stdout=%q stderr=%q", stdout, stderr)
	}
}

func TestFakeEngine_Pull(t *testing.T) {
	fe, c := setupFakeEngine(t)
	ctx := context.Background()

	if ok, _ := c.ImageExists(ctx, "busybox:1.36"); ok {
		t.Fatal("image should not exist yet")
	}

	var statuses []string
	h, err := c.PullImage(ctx, "busybox:1.36", func(m jsonmessage.JSONMessage) {
		statuses = append(statuses, m.Status)
	})
	if err != nil {
		t.Fatalf("PullImage: %v", err)
	}
	mh := relay.NewMultiHandle()
	mh.Add(h, relay.None)
	if err := mh.Run(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(statuses) == 0 || !strings.HasPrefix(statuses[len(statuses)-1], "Status: Downloaded") {
		t.Errorf("statuses = %v", statuses)
	}
	if ok, err := c.ImageExists(ctx, "busybox:1.36"); err != nil || !ok {
		t.Errorf("ImageExists = %v, %v", ok, err)
	}

	fe.FailPull("private/thing", "pull access denied")
	h, err = c.PullImage(ctx, "private/thing", nil)
	if err != nil {
		t.Fatal(err)
	}
	mh = relay.NewMultiHandle()
	mh.Add(h, relay.None)
	if err := mh.Run(ctx); err == nil || !strings.Contains(err.Error(), "pull access denied") {
		t.Errorf("failed pull err = %v", err)
	}
}

func TestFakeEngine_FeedAndFaults(t *testing.T) {
	fe, c := setupFakeEngine(t)
	ctx := context.Background()

	feed := fe.SubscribeFeed()
	defer feed.Close()

	id := createContainer(t, c, "short", "exit", "3")
	if err := c.StartContainer(ctx, id); err != nil {
		t.Fatal(err)
	}

	sc := bufio.NewScanner(feed)
	var topics []string
	for len(topics) < 3 && sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		var env struct{ Topic, Event string }
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			t.Fatalf("feed line %q: %v", sc.Text(), err)
		}
		topics = append(topics, env.Topic)
		if env.Topic == "/tasks/exit" && !strings.Contains(env.Event, `"exit_status":3`) {
			t.Errorf("exit event = %s", env.Event)
		}
	}
	if strings.Join(topics, ",") != "/tasks/create,/tasks/start,/tasks/exit" {
		t.Errorf("topics = %v", topics)
	}

	fe.FailNext(http.MethodPost, "/start", http.StatusInternalServerError, "boom")
	if err := c.StartContainer(ctx, id); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("injected fault not returned: %v", err)
	}
	if n := fe.CountRequests(http.MethodPost, "/start"); n != 2 {
		t.Errorf("start requests = %d, want 2", n)
	}
}

// The fake must stay compatible with the real engine SDK.
func TestFakeEngine_SDKCompatible(t *testing.T) {
	fe, c := setupFakeEngine(t)
	createContainer(t, c, "sdk", "sleep")

	cli, err := client.NewClientWithOpts(client.WithHost("unix://"+fe.SocketPath()), client.WithAPIVersionNegotiation())
	if err != nil {
		t.Fatalf("sdk client: %v", err)
	}
	defer cli.Close()

	ctx := context.Background()
	if _, err := cli.Ping(ctx); err != nil {
		t.Fatalf("sdk ping: %v", err)
	}
	list, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		t.Fatalf("sdk list: %v", err)
	}
	if len(list) != 1 || list[0].Labels["app"] != "sdk" {
		t.Errorf("sdk list = %+v", list)
	}
}

func waitStatus(t *testing.T, c *Client, id, status string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := c.InspectContainer(context.Background(), id)
		if err == nil && info.State != nil && info.State.Status == status {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("container %s never reached %q", id, status)
}
