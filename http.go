package wsengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wsengine/wsengine/config"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// startHTTPServer starts the bound-mode listener, plain or TLS per the
// configuration. It returns the server instance and a channel reporting
// listener errors that occur after startup; setup failures return
// immediately.
func startHTTPServer(ctx context.Context, logger *zap.Logger, cfg *config.Config, handler http.Handler) (*http.Server, <-chan error, error) {
	server := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: handler,
		// No Read/WriteTimeout: upgraded sockets are long-lived and
		// hijacked out of the server's control anyway.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	var certFile, keyFile string
	isACME := false

	if cfg.TLS.Enabled {
		if cfg.TLS.Mode == "acme" {
			isACME = true
			if err := os.MkdirAll(cfg.TLS.AcmeCacheDir, 0700); err != nil {
				return nil, nil, fmt.Errorf("failed to create ACME cache directory %q: %w", cfg.TLS.AcmeCacheDir, err)
			}
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(cfg.TLS.AcmeDomains...),
				Email:      cfg.TLS.AcmeEmail,
				Cache:      autocert.DirCache(cfg.TLS.AcmeCacheDir),
			}
			server.TLSConfig = certManager.TLSConfig()

			// ACME needs the HTTP-01 challenge reachable on port 80.
			go func() {
				challengeServer := &http.Server{
					Addr:              ":80",
					Handler:           certManager.HTTPHandler(nil),
					ReadHeaderTimeout: 10 * time.Second,
				}
				logger.Info("Starting ACME HTTP challenge listener", zap.String("addr", ":80"))
				if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("ACME HTTP challenge listener error", zap.Error(err))
				}
			}()
		} else {
			certFile = cfg.TLS.CertFile
			keyFile = cfg.TLS.KeyFile
			server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	listenerErrChan := make(chan error, 1)
	go func() {
		defer close(listenerErrChan)

		var err error
		if cfg.TLS.Enabled {
			logger.Info("Starting HTTPS listener",
				zap.String("addr", server.Addr),
				zap.Bool("acme", isACME),
			)
			if isACME {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServeTLS(certFile, keyFile)
			}
		} else {
			logger.Info("Starting HTTP listener", zap.String("addr", server.Addr))
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Listener error", zap.Error(err))
			listenerErrChan <- err
		} else {
			logger.Info("Listener stopped")
		}
	}()

	return server, listenerErrChan, nil
}

// shutdownHTTPServer attempts a graceful shutdown of the listener.
func shutdownHTTPServer(ctx context.Context, logger *zap.Logger, server *http.Server) {
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
		return
	}
	logger.Info("HTTP server shut down")
}
