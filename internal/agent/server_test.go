package agent

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/majorcontext/guestpull/internal/image"
	"github.com/majorcontext/guestpull/internal/sandbox"
)

// testSockDir returns a short directory for Unix sockets; t.TempDir paths
// can exceed the socket path length limit.
func testSockDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "gp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type fakePuller struct {
	mu     sync.Mutex
	images *sandbox.Images
	err    error
	reqs   []image.Request
}

func (f *fakePuller) PullImage(_ context.Context, req image.Request) (*image.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.images.Record(req.Image, req.ContainerID)
	return &image.Response{ImageRef: req.Image}, nil
}

func startServer(t *testing.T, p *fakePuller) (*Client, string) {
	t.Helper()
	sock := filepath.Join(testSockDir(t), "a.sock")
	srv := NewServer(Options{
		SocketPath:       sock,
		Puller:           p,
		Images:           p.images,
		Backend:          "external-tool",
		SideServiceState: func() string { return "running" },
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })

	c, err := NewClient(sock)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, sock
}

func TestServer_Health(t *testing.T) {
	c, _ := startServer(t, &fakePuller{images: sandbox.NewImages()})

	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.PID == 0 {
		t.Error("expected non-zero PID")
	}
	if health.Backend != "external-tool" {
		t.Errorf("Backend = %q, want external-tool", health.Backend)
	}
	if health.SideService != "running" {
		t.Errorf("SideService = %q, want running", health.SideService)
	}
	if health.StartedAt == "" {
		t.Error("expected non-empty started_at")
	}
}

func TestServer_PullAndList(t *testing.T) {
	p := &fakePuller{images: sandbox.NewImages()}
	c, _ := startServer(t, p)

	resp, err := c.PullImage(context.Background(), image.Request{Image: "busybox:latest", ContainerID: "c1", SourceCreds: "u:p"})
	if err != nil {
		t.Fatalf("PullImage: %v", err)
	}
	if resp.ImageRef != "busybox:latest" {
		t.Errorf("ImageRef = %q, want busybox:latest", resp.ImageRef)
	}
	if len(p.reqs) != 1 || p.reqs[0].SourceCreds != "u:p" {
		t.Errorf("puller got %+v", p.reqs)
	}

	list, err := c.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages: %v", err)
	}
	if len(list) != 1 || list[0].Ref != "busybox:latest" || list[0].ContainerID != "c1" {
		t.Errorf("ListImages = %+v", list)
	}

	health, _ := c.Health(context.Background())
	if health.ImageCount != 1 {
		t.Errorf("ImageCount = %d, want 1", health.ImageCount)
	}
}

func TestServer_PullErrorIsInternal(t *testing.T) {
	p := &fakePuller{images: sandbox.NewImages(), err: errors.New("failed to pull image: exit status 1")}
	c, _ := startServer(t, p)

	_, err := c.PullImage(context.Background(), image.Request{Image: "busybox"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", apiErr.StatusCode)
	}
	if apiErr.Message != "failed to pull image: exit status 1" {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestServer_InvalidJSON(t *testing.T) {
	p := &fakePuller{images: sandbox.NewImages()}
	c, _ := startServer(t, p)

	resp, err := c.httpClient.Post("http://agent/v1/images/pull", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
	if len(p.reqs) != 0 {
		t.Error("puller called for invalid request")
	}
}

func TestServer_SocketCleanup(t *testing.T) {
	sock := filepath.Join(testSockDir(t), "a.sock")
	srv := NewServer(Options{SocketPath: sock, Images: sandbox.NewImages()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Error("socket file not removed after Stop")
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	c, err := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Health(context.Background()); err == nil {
		t.Fatal("expected error when agent not running")
	}
	if _, err := c.PullImage(context.Background(), image.Request{Image: "busybox"}); err == nil {
		t.Fatal("expected error when agent not running")
	}
}
