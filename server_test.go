package serveit

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

type runningServer struct {
	srv    *Server
	out    *syncBuffer
	url    string
	cancel context.CancelFunc
	done   chan error
}

// stop cancels the serve context and returns Serve's result.
func (rs *runningServer) stop(t *testing.T) error {
	t.Helper()
	rs.cancel()
	select {
	case err := <-rs.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func startServer(t *testing.T, settings Settings) *runningServer {
	t.Helper()
	sink, out := newTestSink(t)
	srv, err := NewServer(settings, WithSink(sink), WithHost("127.0.0.1"))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{
		srv:    srv,
		out:    out,
		url:    "http://" + srv.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { rs.done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rs.done
	})
	return rs
}

func testSettings(root string) Settings {
	s := DefaultSettings()
	s.RootDir = root
	s.Port = 0
	s.ShutdownTimeout = 5 * time.Second
	return s
}

func writeFile(t *testing.T, name string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(name, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestServeExistingFile(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hello.txt"), []byte("hi\n"))
	rs := startServer(t, testSettings(root))

	status, body := get(t, rs.url+"/hello.txt")
	if status != http.StatusOK || body != "hi\n" {
		t.Errorf("expected 200 %q, got %d %q", "hi\n", status, body)
	}
	waitForLog(t, rs.out, "GET /hello.txt - 200")

	// a second fetch is byte-identical
	if _, again := get(t, rs.url+"/hello.txt"); again != body {
		t.Errorf("expected identical bodies, got %q and %q", body, again)
	}
}

func TestServeCustomRoot(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "site")
	page := []byte("<!doctype html><title>b</title>")
	writeFile(t, filepath.Join(root, "a", "b.html"), page)
	rs := startServer(t, testSettings(root))

	resp, err := http.Get(rs.url + "/a/b.html")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, page) {
		t.Errorf("expected 200 %q, got %d %q", page, resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected text/html, got %q", ct)
	}
}

func TestServeMissingFile(t *testing.T) {
	t.Parallel()
	rs := startServer(t, testSettings(t.TempDir()))

	status, _ := get(t, rs.url+"/nope")
	if status != http.StatusNotFound {
		t.Errorf("expected status %v, got %v", http.StatusNotFound, status)
	}
	waitForLog(t, rs.out, "GET /nope - 404")
}

func TestServeCustomPort(t *testing.T) {
	t.Parallel()
	settings := testSettings(t.TempDir())
	settings.Port = freePort(t)
	rs := startServer(t, settings)

	if got := rs.srv.Addr().(*net.TCPAddr).Port; got != int(settings.Port) {
		t.Fatalf("expected to listen on %d, got %d", settings.Port, got)
	}
	// no index.html and no listings
	status, _ := get(t, fmt.Sprintf("http://127.0.0.1:%d/", settings.Port))
	if status != http.StatusNotFound {
		t.Errorf("expected status %v, got %v", http.StatusNotFound, status)
	}
	waitForLog(t, rs.out, "GET / - 404")
	waitForLog(t, rs.out, "serving directory ")
	waitForLog(t, rs.out, "at http://localhost:"+strconv.Itoa(int(settings.Port))+"/")
}

// rawGet sends target verbatim so the client cannot clean it.
func rawGet(t *testing.T, addr, target string) (*http.Response, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: serveit\r\nConnection: close\r\n\r\n", target)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("reading response for %s: %v", target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestServeTraversal(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	root := filepath.Join(parent, "site")
	writeFile(t, filepath.Join(root, "index.html"), []byte("home"))
	writeFile(t, filepath.Join(parent, "secret.txt"), []byte("top secret"))
	rs := startServer(t, testSettings(root))

	for _, target := range []string{
		"/../etc/passwd",
		"/../secret.txt",
		"/%2e%2e/secret.txt",
		"/a/../../secret.txt",
		"/..%2fsecret.txt",
	} {
		resp, body := rawGet(t, rs.srv.Addr().String(), target)
		if resp.StatusCode < 400 {
			t.Errorf("%s: expected status >= 400, got %d", target, resp.StatusCode)
		}
		if bytes.Contains(body, []byte("top secret")) || bytes.Contains(body, []byte("root:")) {
			t.Errorf("%s: leaked bytes from outside the root: %q", target, body)
		}
	}
	waitForLog(t, rs.out, "GET /../etc/passwd - 404")
}

func TestGracefulShutdown(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	big := bytes.Repeat([]byte("0123456789abcdef"), 1<<19) // 8 MiB
	writeFile(t, filepath.Join(root, "big.bin"), big)
	rs := startServer(t, testSettings(root))

	resp, err := http.Get(rs.url + "/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	head := make([]byte, 1024)
	if _, err := io.ReadFull(resp.Body, head); err != nil {
		t.Fatalf("reading first chunk: %v", err)
	}

	rs.cancel()
	deadline := time.Now().Add(2 * time.Second)
	for rs.srv.State() == Serving {
		if time.Now().After(deadline) {
			t.Fatal("server never started draining")
		}
		time.Sleep(time.Millisecond)
	}
	if rs.srv.isReady.Load() {
		t.Error("expected not ready while draining")
	}

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("in-flight download was cut: %v", err)
	}
	if got := len(head) + len(rest); got != len(big) {
		t.Errorf("expected %d bytes, got %d", len(big), got)
	}

	select {
	case err := <-rs.done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
		rs.done <- err
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
	if rs.srv.State() != Stopped {
		t.Errorf("expected state %v, got %v", Stopped, rs.srv.State())
	}
	if conn, err := net.DialTimeout("tcp", rs.srv.Addr().String(), time.Second); err == nil {
		conn.Close()
		t.Error("expected new connections to be refused after shutdown")
	}

	out := rs.out.String()
	for _, want := range []string{"WARN serveit: stopping", "WARN serveit: stopped", "GET /big.bin - 200"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log to contain %q, got:\n%s", want, out)
		}
	}
}

func TestShutdownTimeoutClosesConnections(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	big := bytes.Repeat([]byte("x"), 32<<20)
	writeFile(t, filepath.Join(root, "big.bin"), big)
	settings := testSettings(root)
	settings.ShutdownTimeout = 100 * time.Millisecond
	rs := startServer(t, settings)

	resp, err := http.Get(rs.url + "/big.bin")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	// stall the download so the drain cannot finish in time
	start := time.Now()
	if err := rs.stop(t); err != nil {
		t.Errorf("expected clean exit after forced close, got %v", err)
	}
	rs.done <- nil
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("drain was not bounded: %v", elapsed)
	}
	waitForLog(t, rs.out, "drain timed out")
}

func TestServerStates(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(testSettings(t.TempDir()), WithHost("127.0.0.1"), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.State() != Starting {
		t.Errorf("expected state %v, got %v", Starting, srv.State())
	}
	if err := srv.Serve(context.Background()); !errors.Is(err, errNotListening) {
		t.Errorf("expected errNotListening, got %v", err)
	}
	if srv.Addr() != nil || srv.MetaAddr() != nil {
		t.Error("expected no addresses before Listen")
	}

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if srv.State() != Serving {
		t.Errorf("expected state %v, got %v", Serving, srv.State())
	}
	if err := srv.Listen(); err == nil {
		t.Error("expected a second Listen to fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := srv.Serve(ctx); err != nil {
		t.Errorf("expected clean stop, got %v", err)
	}
	if srv.State() != Stopped {
		t.Errorf("expected state %v, got %v", Stopped, srv.State())
	}
}

func TestNewServerRejectsBadRoot(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "plain.txt")
	writeFile(t, file, []byte("not a directory"))
	for _, root := range []string{filepath.Join(t.TempDir(), "missing"), file} {
		if _, err := NewServer(testSettings(root)); err == nil {
			t.Errorf("%s: expected an error", root)
		}
	}
}

func TestListenReportsBindFailure(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	settings := testSettings(t.TempDir())
	settings.Port = uint16(ln.Addr().(*net.TCPAddr).Port)
	srv, err := NewServer(settings, WithHost("127.0.0.1"), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Error("expected Run to fail on an address in use")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hello.txt"), []byte("hi\n"))
	settings := testSettings(root)
	settings.Port = freePort(t)
	srv, err := NewServer(settings, WithHost("127.0.0.1"), WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/hello.txt", settings.Port)
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMetaListener(t *testing.T) {
	t.Parallel()
	settings := testSettings(t.TempDir())
	settings.MetaPort = freePort(t)
	rs := startServer(t, settings)

	if rs.srv.MetaAddr() == nil {
		t.Fatal("expected a meta listener")
	}
	status, body := get(t, "http://"+rs.srv.MetaAddr().String()+"/readyz/")
	if status != http.StatusOK || body != "ready" {
		t.Errorf("expected 200 ready, got %d %q", status, body)
	}
	if err := rs.stop(t); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
	rs.done <- nil
	if conn, err := net.DialTimeout("tcp", rs.srv.MetaAddr().String(), time.Second); err == nil {
		conn.Close()
		t.Error("expected the meta listener to be closed")
	}
}

func TestAccessLogKeepsPathEncoded(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "hello world.txt"), []byte("spaced"))
	rs := startServer(t, testSettings(root))

	if resp, _ := rawGet(t, rs.srv.Addr().String(), "/nope%0aFORGED%20-%20200"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected status %v, got %v", http.StatusNotFound, resp.StatusCode)
	}
	if resp, body := rawGet(t, rs.srv.Addr().String(), "/hello%20world.txt"); resp.StatusCode != http.StatusOK || string(body) != "spaced" {
		t.Errorf("expected 200 %q, got %d %q", "spaced", resp.StatusCode, body)
	}
	waitForLog(t, rs.out, "GET /nope%0aFORGED%20-%20200 - 404")
	waitForLog(t, rs.out, "GET /hello%20world.txt - 200")

	for _, line := range strings.Split(rs.out.String(), "\n") {
		if strings.HasPrefix(line, "FORGED") {
			t.Errorf("request split the access record: %q", line)
		}
	}
}

func TestNewServerRejectsZeroBurst(t *testing.T) {
	t.Parallel()
	settings := testSettings(t.TempDir())
	settings.RateLimit = 5
	settings.Burst = 0
	if _, err := NewServer(settings); !errors.Is(err, errZeroBurst) {
		t.Errorf("expected errZeroBurst, got %v", err)
	}
}
