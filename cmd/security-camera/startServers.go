package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mikeyg42/securitycam/internal/api"
	"github.com/mikeyg42/securitycam/internal/recorder/recorderlog"
)

// ServerManager handles the lifecycle of the API server
type ServerManager struct {
	server *api.Server
	logger recorderlog.Logger
	addr   string
	done   chan error
}

// NewServerManager creates a new server manager
func NewServerManager(server *api.Server, logger recorderlog.Logger) *ServerManager {
	return &ServerManager{
		server: server,
		logger: logger.Named("servers"),
		done:   make(chan error, 1),
	}
}

// Start binds the listener (so a busy port fails startup), serves in the
// background and waits until the health endpoint answers.
func (sm *ServerManager) Start(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	sm.addr = dialAddr(l.Addr())

	go func() {
		err := sm.server.Serve(l)
		if err != nil {
			sm.logger.Error("API server ended unexpectedly", recorderlog.Error(err))
		}
		sm.done <- err
	}()

	return sm.waitForServers(ctx)
}

// dialAddr turns a wildcard listen address into one a local client can dial.
func dialAddr(a net.Addr) string {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (sm *ServerManager) waitForServers(ctx context.Context) error {
	client := &http.Client{Timeout: time.Second}
	url := "http://" + sm.addr + "/api/health"

	check := func() error {
		resp, err := client.Get(url)
		if err != nil {
			return err
		}
		resp.Body.Close()
		// 503 still means the server is up; only a dependency is degraded
		return nil
	}

	timeout := time.After(10 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled while waiting for the API server")
		case err := <-sm.done:
			return fmt.Errorf("API server stopped during startup: %v", err)
		case <-timeout:
			return fmt.Errorf("timeout waiting for the API server on %s", sm.addr)
		case <-ticker.C:
			if check() == nil {
				sm.logger.Info("API server is ready", recorderlog.String("addr", sm.addr))
				return nil
			}
		}
	}
}

// Cleanup shuts the server down, giving in-flight requests five seconds.
func (sm *ServerManager) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.server.Shutdown(ctx); err != nil {
		sm.logger.Warn("API server shutdown failed", recorderlog.Error(err))
	}
}
