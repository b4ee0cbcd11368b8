// Package ipc provides the gRPC control transport over a Unix domain socket
// between the daemon and local controllers.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"

	"ipp-daemon/internal/core"
)

const tag = "IPC"

// Server wraps a gRPC server listening on a Unix socket.
type Server struct {
	grpc       *grpc.Server
	socketPath string
	listener   net.Listener
}

// NewServer creates an IPC server for the control service.
func NewServer(svc ControlServer, socketPath string, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	RegisterControlServer(gs, svc)
	return &Server{grpc: gs, socketPath: socketPath}
}

// Listen opens the socket, replacing a stale one. Only the owner may connect.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: create socket dir: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

// Serve handles requests until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	core.Log.Infof(tag, "Listening on %s", s.socketPath)
	return s.grpc.Serve(s.listener)
}

// Stop gracefully stops the gRPC server and removes the socket.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// ForceStop immediately stops the gRPC server.
func (s *Server) ForceStop() {
	s.grpc.Stop()
	_ = os.Remove(s.socketPath)
}
