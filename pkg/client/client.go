// Package client is the Go API for the spiro daemon.
package client

import (
	"context"

	"github.com/gorilla/websocket"

	internalclient "github.com/pneumalabs/spiro/internal/client"
)

// apiPrefix is prepended to every daemon route.
const apiPrefix = "/api/v1"

// Client talks to a spiro daemon over its unix socket.
type Client struct {
	raw *internalclient.Client
}

// NewClient returns a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{raw: internalclient.NewClient(socketPath)}
}

// Get sends a GET request to an API route.
func (c *Client) Get(path string) (string, error) {
	return c.raw.Get(apiPrefix + path)
}

// Post sends a POST request to an API route.
func (c *Client) Post(path string, data string) (string, error) {
	return c.raw.Post(apiPrefix+path, data)
}

// Put sends a PUT request to an API route.
func (c *Client) Put(path string, data string) (string, error) {
	return c.raw.Put(apiPrefix+path, data)
}

// Stream opens the daemon's websocket event stream.
func (c *Client) Stream(ctx context.Context) (*websocket.Conn, error) {
	return c.raw.Stream(ctx, apiPrefix+"/stream")
}
