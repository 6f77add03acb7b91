// Package provision talks to the conversational-AI REST API that hosts the
// remote voice agents.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the conversational-AI v2 project endpoint root.
const DefaultBaseURL = "https://api.agora.io/api/conversational-ai-agent/v2/projects"

var (
	ErrProvisionFailed = errors.New("agent provisioning failed")
	ErrTerminateFailed = errors.New("agent termination failed")
)

// Config holds the account and agent defaults used for every request.
type Config struct {
	BaseURL        string
	AppID          string
	CustomerID     string
	CustomerSecret string

	LLMURL         string
	LLMModel       string
	GraphID        string
	FailureMessage string
	MaxHistory     int
	IdleTimeout    int
	VADSilenceMs   int
	TTSModel       string

	HTTPTimeout time.Duration
}

// Request describes one agent to provision.
type Request struct {
	UserID       int64
	ChannelName  string
	AgentUID     string
	Token        string
	LanguageCode string
	Prompt       string
	Intro        string
	VoiceID      string
	TTSAPIKey    string
	// Zero tunables take the vendor defaults.
	TTSStability  float64
	TTSSimilarity float64
	TTSSpeed      float64
	// LLMAPIKey is handed to the agent so it can call back into the chat
	// completion endpoint as this user.
	LLMAPIKey string
}

// Agent is the provider's description of a provisioned agent.
type Agent struct {
	ID       string `json:"agent_id"`
	CreateTS int64  `json:"create_ts"`
	Status   string `json:"status"`
}

// Client is an HTTP client for the agent provisioning API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new provisioning client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// Provision starts a remote agent. Failures are not retried.
func (c *Client) Provision(ctx context.Context, req Request) (*Agent, error) {
	body := joinRequest{
		Name:       "agent_" + uuid.NewString(),
		Properties: c.properties(req),
	}

	var agent Agent
	if err := c.post(ctx, "/join", body, &agent); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvisionFailed, err)
	}
	if agent.ID == "" {
		return nil, fmt.Errorf("%w: response carried no agent id", ErrProvisionFailed)
	}
	return &agent, nil
}

// Terminate asks the provider to remove the agent.
func (c *Client) Terminate(ctx context.Context, agentID string) error {
	if err := c.post(ctx, "/agents/"+agentID+"/leave", struct{}{}, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminateFailed, err)
	}
	return nil
}

// Speak makes the agent say text in the channel.
func (c *Client) Speak(ctx context.Context, agentID, text string) error {
	if err := c.post(ctx, "/agents/"+agentID+"/speech", speechRequest{Speech: text}, nil); err != nil {
		return fmt.Errorf("send speech to %s: %w", agentID, err)
	}
	return nil
}

func (c *Client) properties(req Request) agentProperties {
	return agentProperties{
		Channel:        req.ChannelName,
		Token:          req.Token,
		GraphID:        c.cfg.GraphID,
		AgentRTCUID:    req.AgentUID,
		RemoteRTCUIDs:  []string{"*"},
		EnableStringID: true,
		IdleTimeout:    orDefault(c.cfg.IdleTimeout, 120),
		LLM: llmProperties{
			URL:             c.cfg.LLMURL,
			APIKey:          req.LLMAPIKey,
			SystemMessages:  []systemMessage{{Role: "system", Content: req.Prompt}},
			GreetingMessage: req.Intro,
			FailureMessage:  orDefaultString(c.cfg.FailureMessage, "Sorry, I don't know how to answer this question."),
			MaxHistory:      orDefault(c.cfg.MaxHistory, 10),
			Params:          llmParams{Model: orDefaultString(c.cfg.LLMModel, "gpt-4o-mini")},
		},
		ASR: asrProperties{Language: req.LanguageCode},
		VAD: vadProperties{SilenceDurationMs: orDefault(c.cfg.VADSilenceMs, 480)},
		TTS: ttsProperties{
			Vendor: "elevenlabs",
			Params: ttsParams{
				Key:             req.TTSAPIKey,
				ModelID:         orDefaultString(c.cfg.TTSModel, "eleven_turbo_v2_5"),
				VoiceID:         req.VoiceID,
				Stability:       orDefaultFloat(req.TTSStability, 1),
				SimilarityBoost: orDefaultFloat(req.TTSSimilarity, 0.75),
				Speed:           orDefaultFloat(req.TTSSpeed, 1),
			},
		},
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/" + c.cfg.AppID + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.cfg.CustomerID, c.cfg.CustomerSecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func orDefaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func orDefaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
