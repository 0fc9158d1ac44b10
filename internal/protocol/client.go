package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Addr            string
	DialTimeout     time.Duration
	ExchangeTimeout time.Duration
	Frame           FrameOptions
	IDs             crawler.IDGenerator
}

// Client performs single request/response exchanges against a coordination server.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("protocol client: server address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 2 * time.Minute
	}
	return &Client{cfg: cfg, dialer: net.Dialer{Timeout: cfg.DialTimeout}}, nil
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.cfg.Addr }

// Do opens a connection, sends req and returns the decoded response. Any failure to complete
// the exchange wraps ErrTransport.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" && c.cfg.IDs != nil {
		if id, err := c.cfg.IDs.NewID(); err == nil {
			req.RequestID = id
		}
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return Response{}, fmt.Errorf("%w: dial %s: %w", ErrTransport, c.cfg.Addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.ExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Response{}, fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req, c.cfg.Frame); err != nil {
		if errors.Is(err, ErrTransport) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("send %s: %w", req.Type, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp, c.cfg.Frame); err != nil {
		return Response{}, fmt.Errorf("%w: receive %s: %w", ErrTransport, req.Type, err)
	}
	return resp, nil
}
