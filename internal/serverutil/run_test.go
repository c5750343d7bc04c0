package serverutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// startRun launches Run and waits for the listener to bind.
func startRun(t *testing.T, ctx context.Context, cfg Config) (<-chan error, net.Addr) {
	t.Helper()
	addrCh := make(chan net.Addr, 1)
	cfg.OnListen = func(addr net.Addr) { addrCh <- addr }
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg)
	}()

	select {
	case addr := <-addrCh:
		return done, addr
	case err := <-done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
		return nil
	}
}

// openStream issues a GET that the handler holds open and waits until the
// handler has flushed its headers.
func openStream(t *testing.T, addr net.Addr, started <-chan struct{}) {
	t.Helper()
	go func() {
		res, err := http.Get("http://" + addr.String() + "/stream")
		if err == nil {
			_ = res.Body.Close()
		}
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
	}
}

func TestRunGracefulShutdown(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	done, _ := startRun(t, ctx, Config{Server: server, ShutdownTimeout: time.Second, Ready: ready})
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("expected ready to be closed once listening")
	}
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunInvokesShutdownHooksAndReleasesStreams(t *testing.T) {
	closing := make(chan struct{})
	started := make(chan struct{})
	var hookCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		close(started)
		select {
		case <-closing:
		case <-r.Context().Done():
		}
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done, addr := startRun(t, ctx, Config{
		Server:          server,
		ShutdownTimeout: 5 * time.Second,
		OnShutdown: []func(){nil, func() {
			hookCalls.Add(1)
			close(closing)
		}},
	})
	openStream(t, addr, started)
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected shutdown hook once, got %d", hookCalls.Load())
	}
}

func TestRunClosesStuckConnectionsAfterTimeout(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		close(started)
		<-release
	})
	server := &http.Server{Addr: "127.0.0.1:0", Handler: mux}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done, addr := startRun(t, ctx, Config{Server: server, ShutdownTimeout: 50 * time.Millisecond})
	openStream(t, addr, started)
	cancel()

	if err := waitRun(t, done); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	server := &http.Server{
		Addr:      "127.0.0.1:0",
		Handler:   http.NewServeMux(),
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done, addr := startRun(t, ctx, Config{
		Server:          server,
		ShutdownTimeout: time.Second,
		TLS:             TLSConfig{CertFile: certFile, KeyFile: keyFile},
	})

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed test certificate
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	if got := conn.ConnectionState().Version; got < tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 or later, got %x", got)
	}
	_ = conn.Close()
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunRejectsBadTLSConfig(t *testing.T) {
	certFile, _ := writeSelfSignedCert(t)
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	if err := Run(context.Background(), Config{Server: server, TLS: TLSConfig{CertFile: certFile}}); err == nil {
		t.Fatal("expected error for certificate without key")
	}
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without a server")
	}
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	server := &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}
	ready := make(chan struct{})

	if err := Run(context.Background(), Config{Server: server, ShutdownTimeout: time.Second, Ready: ready}); err == nil {
		t.Fatal("expected startup error")
	}
	select {
	case <-ready:
		t.Fatal("server unexpectedly signalled readiness")
	default:
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
