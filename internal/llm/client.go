// Package llm produces assistant replies for live sessions through the
// completion service over gRPC.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nitin4real/llm/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// completeMethod is the unary completion RPC. Requests and responses are
// google.protobuf.Struct messages.
const completeMethod = "/convo.llm.v1.Completion/Complete"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Config holds configuration for the gRPC client.
type Config struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.KeepaliveTime <= 0 {
		c.KeepaliveTime = 2 * time.Minute
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 10 * time.Second
	}
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Completion is one model reply.
type Completion struct {
	Content      string
	FinishReason string
	ToolCall     *ToolCall
}

// Client is a gRPC client for the completion service.
type Client struct {
	conn *grpc.ClientConn
	cfg  Config
}

// NewClient connects to the completion service and waits until the
// connection is ready. Extra dial options are appended to the defaults.
func NewClient(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	cfg.applyDefaults()

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to completion service at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("completion service at %s not ready: %w", cfg.Address, err)
	}

	slog.Info("Connected to completion service", "address", cfg.Address)
	return &Client{conn: conn, cfg: cfg}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			slog.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Complete asks the model for the next assistant turn.
func (c *Client) Complete(ctx context.Context, msgs []domain.ChatMessage) (*Completion, error) {
	req, err := buildRequest(c.cfg.Model, msgs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, completeMethod, req, &resp); err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	return parseCompletion(&resp), nil
}

func buildRequest(model string, msgs []domain.ChatMessage) (*structpb.Struct, error) {
	items := make([]any, 0, len(msgs))
	for _, m := range msgs {
		item := map[string]any{
			"role":    string(m.Role),
			"content": m.Content,
		}
		if m.Name != "" {
			item["name"] = m.Name
		}
		if m.ToolCallID != "" {
			item["tool_call_id"] = m.ToolCallID
		}
		items = append(items, item)
	}
	req, err := structpb.NewStruct(map[string]any{
		"model":    model,
		"messages": items,
	})
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	return req, nil
}

func parseCompletion(resp *structpb.Struct) *Completion {
	m := resp.AsMap()
	out := &Completion{}
	out.Content, _ = m["content"].(string)
	out.FinishReason, _ = m["finish_reason"].(string)

	tc, ok := m["tool_call"].(map[string]any)
	if !ok {
		return out
	}
	call := &ToolCall{}
	call.ID, _ = tc["id"].(string)
	call.Name, _ = tc["name"].(string)
	switch args := tc["arguments"].(type) {
	case map[string]any:
		call.Arguments = args
	case string:
		if err := json.Unmarshal([]byte(args), &call.Arguments); err != nil {
			slog.Warn("Ignoring malformed tool call arguments", "tool", call.Name, "error", err)
		}
	}
	out.ToolCall = call
	return out
}
