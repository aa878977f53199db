// Package client builds the requests the daemon's wire contract expects
// and decodes the answers. One framed connection per call keeps callers
// free of connection management.
package client

import (
	"context"
	"crypto/x509"
	"net"

	"github.com/jkaessens/qmanager/pkg/qerr"
	"github.com/jkaessens/qmanager/pkg/qlog"
	"github.com/jkaessens/qmanager/pkg/qproto"
	"github.com/jkaessens/qmanager/pkg/queue"
	"github.com/jkaessens/qmanager/pkg/transport"
)

// Config selects how the client reaches the daemon.
type Config struct {
	// Addr is the daemon's host:port.
	Addr string

	// Insecure dials plain TCP. Mutually exclusive with CAFiles.
	Insecure bool

	// CAFiles are PEM bundles appended to the system trust store for
	// server validation.
	CAFiles []string

	// DumpProtocol logs each request and response kind.
	DumpProtocol bool
}

// Validate mirrors the daemon-side conflict rules on the client.
func (c *Config) Validate() error {
	if c.Insecure && len(c.CAFiles) > 0 {
		return qerr.Newf(qerr.CodeConfigConflict, "--insecure cannot be combined with --ca")
	}
	return nil
}

// Client talks to one daemon.
type Client struct {
	cfg Config
	log *qlog.Logger
}

// New validates the config and creates a client.
func New(cfg Config, log *qlog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: log}, nil
}

// Submit enqueues the given argv vector and returns the assigned job id.
func (c *Client) Submit(ctx context.Context, args []string, expectedDuration *uint64, notifyCmd string) (uint64, error) {
	resp, err := c.roundTrip(ctx, &qproto.Request{
		Kind: qproto.KindSubmit,
		Submit: &qproto.SubmitRequest{
			Args:             args,
			ExpectedDuration: expectedDuration,
			NotifyCmd:        notifyCmd,
		},
	})
	if err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// QueueStatus fetches the daemon's point-in-time job snapshot.
func (c *Client) QueueStatus(ctx context.Context) ([]queue.Job, error) {
	resp, err := c.roundTrip(ctx, &qproto.Request{Kind: qproto.KindQueueStatus})
	if err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Remove evicts one terminal job and returns its final state.
func (c *Client) Remove(ctx context.Context, jobID uint64) (queue.Job, error) {
	resp, err := c.roundTrip(ctx, &qproto.Request{
		Kind:   qproto.KindRemove,
		Remove: &qproto.RemoveRequest{JobID: jobID},
	})
	if err != nil {
		return queue.Job{}, err
	}
	if resp.Job == nil {
		return queue.Job{}, qerr.Newf(qerr.CodeProtocolError, "remove response without job")
	}
	return *resp.Job, nil
}

func (c *Client) roundTrip(ctx context.Context, req *qproto.Request) (*qproto.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if c.cfg.DumpProtocol {
		c.log.Debug("sending request", "kind", req.Kind)
	}
	if err := qproto.WriteRequest(conn, req); err != nil {
		return nil, err
	}

	resp, err := qproto.ReadResponse(conn)
	if err != nil {
		return nil, err
	}
	if c.cfg.DumpProtocol {
		c.log.Debug("received response", "kind", resp.Kind)
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	tcfg := transport.ClientConfig{Insecure: c.cfg.Insecure}
	if !c.cfg.Insecure {
		var pool *x509.CertPool
		var err error
		pool, err = transport.CertPool(c.cfg.CAFiles, true)
		if err != nil {
			return nil, err
		}
		tcfg.RootCAs = pool
	}
	return transport.Dial(ctx, c.cfg.Addr, tcfg)
}
