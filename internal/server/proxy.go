package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/studiobridge/studiobridge/internal/gateway"
	"github.com/studiobridge/studiobridge/pkg/protocol"
)

// ProxyLoop is what a bridge instance runs when it could not bind the
// plugin port: another instance already owns the single plugin
// connection. Instead of serving HTTP, this instance claims work from
// its own queue and forwards each item to the incumbent via POST /proxy;
// the proxy response carries the terminal outcome, which is resolved
// into the local correlation table as if the plugin had posted it.
//
// Streaming items are forwarded as single-shot: partial updates stay on
// the primary, only the terminal outcome crosses back.
type ProxyLoop struct {
	gateway    *gateway.Gateway
	primaryURL string
	client     *http.Client
	pollBudget time.Duration
	logger     *slog.Logger
}

// NewProxyLoop creates a forwarding loop targeting the bridge at addr.
func NewProxyLoop(cfg *Config, gw *gateway.Gateway, logger *slog.Logger) *ProxyLoop {
	return &ProxyLoop{
		gateway:    gw,
		primaryURL: "http://" + cfg.Addr + "/proxy",
		client:     &http.Client{},
		pollBudget: cfg.PollBudget,
		logger:     logger,
	}
}

// Run claims and forwards work until ctx is cancelled, then drains the
// gateway.
func (p *ProxyLoop) Run(ctx context.Context) {
	p.logger.Info("running in proxy mode", "primary", p.primaryURL)

	for {
		item, ok := p.gateway.ClaimNext(ctx, p.pollBudget)
		if ctx.Err() != nil {
			p.gateway.Shutdown()
			return
		}
		if !ok {
			continue
		}
		p.forward(ctx, item)
	}
}

// forward sends one item to the primary and resolves the local call from
// the response. Transport failures resolve the call with the error; the
// caller's own deadline still bounds the wait either way.
func (p *ProxyLoop) forward(ctx context.Context, item *protocol.WorkItem) {
	timeout := time.Until(item.Deadline)
	if item.Tool == protocol.ToolCancel {
		// Cancellation intents carry no correlation and no deadline;
		// give the forward a nominal budget.
		timeout = p.pollBudget
	}
	if timeout <= 0 {
		// Already past its deadline; the local await has expired it.
		return
	}

	resp, err := p.post(ctx, item, timeout)
	if item.Tool == protocol.ToolCancel {
		return
	}
	if err != nil {
		p.logger.Warn("forwarding failed", "id", item.ID, "tool", item.Tool, "error", err)
		p.gateway.ResolveForwarded(item.ID, nil, err)
		return
	}

	if resp.OK {
		p.gateway.ResolveForwarded(item.ID, resp.Payload, nil)
		return
	}
	p.gateway.ResolveForwarded(item.ID, nil, gateway.KindError(resp.ErrorKind, resp.Error))
}

// post performs the HTTP round-trip for one forwarded item.
func (p *ProxyLoop) post(ctx context.Context, item *protocol.WorkItem, timeout time.Duration) (*protocol.ProxyResponse, error) {
	body, err := json.Marshal(protocol.ProxyRequest{
		Tool:           item.Tool,
		Args:           item.Args,
		TimeoutSeconds: timeout.Seconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding proxy request: %w", err)
	}

	// Headroom above the forwarded timeout so the primary, not this
	// round-trip, decides the timeout outcome.
	reqCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.primaryURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building proxy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to primary: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("primary answered %d", httpResp.StatusCode)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading proxy response: %w", err)
	}

	var resp protocol.ProxyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parsing proxy response: %w", err)
	}
	return &resp, nil
}
