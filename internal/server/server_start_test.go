package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/example/go-tokend/internal/config"
	"github.com/example/go-tokend/internal/server"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.ProbeHTTP(addr) == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never became healthy", addr)
}

func TestServerStart_ServesAndShutsDown(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = addr

	srv := server.New(cfg, newTinyTokenizer(t)).
		WithLogger(discardLogger()).
		WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	waitHealthy(t, addr)

	resp, err := http.Post("http://"+addr+"/count", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("POST /count: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("POST /count status = %d; want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v; want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if err := server.ProbeHTTP(addr); err == nil {
		t.Error("ProbeHTTP succeeded after shutdown")
	}
}

func TestServerStart_ListenErrorReturned(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = ln.Addr().String()

	srv := server.New(cfg, newTinyTokenizer(t)).WithLogger(discardLogger())
	err = srv.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "http listen") {
		t.Fatalf("Start on a busy port = %v; want http listen error", err)
	}
}

func TestServerStart_BuildFailureReturned(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = freeAddr(t)
	cfg.Vocab.Encodings = []string{"llama3"}
	cfg.Vocab.Llama3Path = "/nonexistent/tokenizer.model"
	cfg.FastPath.Enabled = false

	err := server.New(cfg, nil).WithLogger(discardLogger()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "initialize tokenizer service") {
		t.Fatalf("Start = %v; want initialize error", err)
	}
}

func TestProbeHTTP_Non200(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
		ReadHeaderTimeout: time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	err = server.ProbeHTTP(ln.Addr().String())
	if err == nil || !strings.Contains(err.Error(), "unexpected health status") {
		t.Fatalf("ProbeHTTP = %v; want status error", err)
	}

	if errors.Is(err, http.ErrServerClosed) {
		t.Fatal("unexpected ErrServerClosed")
	}
}
