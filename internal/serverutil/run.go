// Package serverutil runs an http.Server until its context ends, then drains
// it and the background work that depends on it.
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

	"golang.org/x/sync/errgroup"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DrainStep is background work stopped after the listener has drained, such
// as the upload sweeper or an embedded transcode runner. Steps run in order,
// each with its own DrainTimeout budget.
type DrainStep struct {
	Name string
	Stop func(context.Context) error
}

type Config struct {
	Server *http.Server
	// Listener is used instead of binding Server.Addr when set.
	Listener        net.Listener
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	Drain           []DrainStep
	// DrainTimeout defaults to ShutdownTimeout.
	DrainTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready  chan<- struct{}
	Logger *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

// Run serves until ctx is cancelled or the server fails. On cancellation it
// drains in-flight requests for at most ShutdownTimeout and then runs the
// drain steps. Drain step failures are logged, not returned.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(cfg)
	if err != nil {
		return err
	}
	logger.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.TLS.CertFile != "")
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := cfg.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		if ctx.Err() == nil {
			// Serve failed; nothing to drain.
			return nil
		}
		logger.Info("http server shutting down", "timeout", timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	err = group.Wait()

	drain(cfg, logger, timeout)
	return err
}

func listen(cfg Config) (net.Listener, error) {
	ln := cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Server.Addr)
		if err != nil {
			return nil, err
		}
	}
	if cfg.TLS.CertFile == "" {
		return ln, nil
	}
	tlsCfg, err := serverTLSConfig(cfg.Server.TLSConfig, cfg.TLS)
	if err != nil {
		ln.Close()
		return nil, err
	}
	cfg.Server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}

func drain(cfg Config, logger *slog.Logger, fallback time.Duration) {
	budget := cfg.DrainTimeout
	if budget <= 0 {
		budget = fallback
	}
	for _, step := range cfg.Drain {
		if step.Stop == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		err := step.Stop(ctx)
		cancel()
		if err != nil {
			logger.Warn("drain step did not finish cleanly", "step", step.Name, "error", err)
			continue
		}
		logger.Debug("drain step finished", "step", step.Name)
	}
}

func serverTLSConfig(base *tls.Config, files TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		tlsCfg = base.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	return tlsCfg, nil
}
