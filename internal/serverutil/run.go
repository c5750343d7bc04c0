// Package serverutil runs an http.Server until its context ends and then
// drains it.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (c TLSConfig) enabled() bool {
	return c.CertFile != ""
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, which differs from Server.Addr
	// when the port is 0.
	OnListen func(net.Addr)
	// OnShutdown hooks run when graceful shutdown begins. Handlers that hold
	// a request open, such as event streams, use them to return so Shutdown
	// does not wait out the full timeout.
	OnShutdown []func()
	Logger     *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails. On cancellation it
// shuts down gracefully within ShutdownTimeout and then closes whatever
// connections are left.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	for _, hook := range cfg.OnShutdown {
		if hook != nil {
			cfg.Server.RegisterOnShutdown(hook)
		}
	}

	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.enabled())
	if cfg.OnListen != nil {
		cfg.OnListen(ln.Addr())
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- cfg.Server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("http server shutting down", "timeout", timeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete, closing connections", "error", err)
		_ = cfg.Server.Close()
		<-serveErr
		return err
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// listen binds server.Addr, wrapping the listener in TLS when certificates
// are configured. Certificates from the server's own TLSConfig are kept after
// the loaded pair.
func listen(server *http.Server, cfg TLSConfig) (net.Listener, error) {
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, errors.New("both TLS cert file and key file must be provided")
	}
	var tlsCfg *tls.Config
	if cfg.enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsCfg = &tls.Config{}
		if server.TLSConfig != nil {
			tlsCfg = server.TLSConfig.Clone()
		}
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		server.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}
