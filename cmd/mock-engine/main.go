// Command mock-engine runs a standalone fake container engine on a Unix
// socket, for running wsla without a real engine.
//
// Usage:
//
//	mock-engine --socket /tmp/wsla-mock/engine.sock --image alpine --image nginx
//
// With --feed it instead connects to a running mock engine and prints its
// task event feed, which makes it usable as wsla's events command:
//
//	wsla --engine-socket /tmp/wsla-mock/engine.sock \
//	     --events-cmd "mock-engine --feed --socket /tmp/wsla-mock/engine.sock"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/microsoft/wsla/internal/config"
	"github.com/microsoft/wsla/internal/docker"
	"github.com/microsoft/wsla/internal/relay"
)

type imageList []string

func (l *imageList) String() string     { return strings.Join(*l, ",") }
func (l *imageList) Set(s string) error { *l = append(*l, s); return nil }

func main() {
	var (
		socketPath string
		logLevel   string
		feed       bool
		images     imageList
	)

	flag.StringVar(&socketPath, "socket", "", "Unix socket path (default: /tmp/wsla-mock-<pid>/engine.sock)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&feed, "feed", false, "Print the task event feed of the engine at --socket")
	flag.Var(&images, "image", "Image the engine already has (repeatable)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(logLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if feed {
		if socketPath == "" {
			slog.Error("--feed requires --socket")
			os.Exit(2)
		}
		if err := printFeed(ctx, socketPath); err != nil && ctx.Err() == nil {
			slog.Error("feed", "err", err)
			os.Exit(1)
		}
		return
	}

	if socketPath == "" {
		dir := fmt.Sprintf("/tmp/wsla-mock-%d", os.Getpid())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("create socket dir", "err", err)
			os.Exit(1)
		}
		socketPath = dir + "/engine.sock"
	}

	fe, cleanup, err := docker.StartFakeEngine(socketPath)
	if err != nil {
		slog.Error("start fake engine", "err", err)
		os.Exit(1)
	}
	defer cleanup()
	for _, ref := range images {
		fe.AddImage(ref)
	}

	// Print the socket path so parent processes can discover it.
	fmt.Println(socketPath)
	slog.Info("mock engine started", "socket", socketPath, "images", images.String())

	<-ctx.Done()
	slog.Info("mock engine shutting down")
}

// printFeed copies the engine's feed to stdout until ctx ends or the
// engine goes away.
func printFeed(ctx context.Context, socketPath string) error {
	client := docker.NewClient(docker.UnixDialer(socketPath))
	rc, err := client.Stream(ctx, &docker.Request{Method: "GET", Path: "/_feed"})
	if err != nil {
		return fmt.Errorf("open feed: %w", err)
	}
	defer rc.Close()

	h := rc.BodyHandle(func(p []byte) error {
		_, err := os.Stdout.Write(p)
		return err
	}, nil)
	mh := relay.NewMultiHandle()
	mh.Add(h, relay.CancelOnCompleted)
	return mh.Run(ctx)
}
