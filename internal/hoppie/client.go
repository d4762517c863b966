// Package hoppie talks to the Hoppie ACARS network: a form-POST client, the
// reply parsers, and the Bridge that polls on behalf of linked users.
package hoppie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/a-essam23/acars-relay/pkg/protocol"
)

// Message types accepted by the connect endpoint.
const (
	TypePoll  = "poll"
	TypeCPDLC = "CPDLC"
	TypeTelex = "telex"
)

// maxReply bounds how much of a reply body is read.
const maxReply = 1 << 20

var ErrRejected = errors.New("request rejected by network")

const msgUpstream = "External network request failed."

type ClientConfig struct {
	URL     string
	Timeout time.Duration
}

type Client struct {
	logger *slog.Logger
	url    string
	http   *http.Client
}

func NewClient(logger *slog.Logger, cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger: logger.With(slog.String("component", "hoppie_client")),
		url:    cfg.URL,
		http:   &http.Client{Timeout: timeout},
	}
}

// Request is one form POST to the connect endpoint.
type Request struct {
	Logon  string
	From   string
	To     string
	Type   string
	Packet string
}

// Do posts req and parses the reply. Failures are UpstreamFailure errors;
// an `error` reply additionally wraps ErrRejected with the network's reason.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	res, err := c.do(ctx, req)
	if err != nil {
		return res, protocol.Wrap(protocol.KindUpstreamFailure, msgUpstream, err)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	form := url.Values{
		"logon":  {req.Logon},
		"from":   {req.From},
		"to":     {req.To},
		"type":   {req.Type},
		"packet": {req.Packet},
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", req.Type, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", req.Type, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s request: unexpected status %d", req.Type, res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxReply))
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", req.Type, err)
	}

	parsed, err := ParseResponse(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s reply: %w", req.Type, err)
	}
	if !parsed.OK {
		return parsed, fmt.Errorf("%w: %s", ErrRejected, parsed.Reason)
	}
	if parsed.Unbalanced {
		c.logger.Warn("reply had unbalanced braces, kept recoverable blocks", slog.String("type", req.Type), slog.String("from", req.From), slog.Int("blocks", len(parsed.Blocks)))
	}
	c.logger.Debug("request completed", slog.String("type", req.Type), slog.String("from", req.From), slog.Int("blocks", len(parsed.Blocks)))
	return parsed, nil
}

// Poll fetches pending messages for callsign.
func (c *Client) Poll(ctx context.Context, logon, callsign string) ([]Block, error) {
	res, err := c.Do(ctx, Request{Logon: logon, From: callsign, To: callsign, Type: TypePoll})
	if err != nil {
		return nil, err
	}
	return res.Blocks, nil
}

// Send delivers one outbound message.
func (c *Client) Send(ctx context.Context, logon, from, to, msgType, packet string) error {
	_, err := c.Do(ctx, Request{Logon: logon, From: from, To: to, Type: msgType, Packet: packet})
	return err
}
