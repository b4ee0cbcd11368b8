package ipc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 5 * time.Second
)

// Client wraps a gRPC client connected to the daemon socket.
type Client struct {
	conn    *grpc.ClientConn
	Control *ControlClient
}

// Dial connects to the daemon at socketPath.
func Dial(socketPath string) (*Client, error) {
	return DialWithTimeout(socketPath, defaultDialTimeout)
}

// DialWithTimeout connects to the daemon with a custom timeout.
func DialWithTimeout(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(
		"passthrough:///"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "unix", socketPath)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}

	return &Client{
		conn:    conn,
		Control: NewControlClient(conn),
	}, nil
}

// Close shuts down the gRPC client connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
