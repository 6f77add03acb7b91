package provision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient(Config{
		BaseURL:        server.URL,
		AppID:          "app-1",
		CustomerID:     "cust",
		CustomerSecret: "secret",
		LLMURL:         "https://llm.example/chat",
	})
	c.httpClient = server.Client()
	return c
}

func TestProvisionSendsJoinRequest(t *testing.T) {
	var got joinRequest
	var user, pass string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app-1/join" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		user, pass, _ = r.BasicAuth()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("failed to read body: %v", err)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		_, _ = io.WriteString(w, `{"agent_id":"A1","create_ts":1700000000,"status":"RUNNING"}`)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	agent, err := c.Provision(ctx, Request{
		UserID:       42,
		ChannelName:  "agent_421_42_abc",
		AgentUID:     "421",
		Token:        "rtc-token",
		LanguageCode: "en-US",
		Prompt:       "be nice",
		Intro:        "hi there",
		VoiceID:      "voice-1",
		TTSAPIKey:    "tts-key",
		LLMAPIKey:    "llm-key",
	})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	if agent.ID != "A1" || agent.Status != "RUNNING" || agent.CreateTS != 1700000000 {
		t.Fatalf("unexpected agent: %+v", agent)
	}
	if user != "cust" || pass != "secret" {
		t.Fatalf("unexpected basic auth %q:%q", user, pass)
	}
	if !strings.HasPrefix(got.Name, "agent_") {
		t.Fatalf("unexpected agent name %q", got.Name)
	}
	p := got.Properties
	if p.Channel != "agent_421_42_abc" || p.AgentRTCUID != "421" || p.Token != "rtc-token" {
		t.Fatalf("unexpected channel properties: %+v", p)
	}
	if len(p.RemoteRTCUIDs) != 1 || p.RemoteRTCUIDs[0] != "*" {
		t.Fatalf("unexpected remote uids: %v", p.RemoteRTCUIDs)
	}
	if p.LLM.APIKey != "llm-key" || p.LLM.GreetingMessage != "hi there" || p.LLM.SystemMessages[0].Content != "be nice" {
		t.Fatalf("unexpected llm properties: %+v", p.LLM)
	}
	if p.LLM.MaxHistory != 10 || p.LLM.Params.Model != "gpt-4o-mini" || p.IdleTimeout != 120 || p.VAD.SilenceDurationMs != 480 {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.TTS.Params.Stability != 1 || p.TTS.Params.SimilarityBoost != 0.75 || p.TTS.Params.Speed != 1 {
		t.Fatalf("tts defaults not applied: %+v", p.TTS.Params)
	}
}

func TestProvisionNon2xxIsProvisionFailed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := c.Provision(context.Background(), Request{UserID: 1})
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestProvisionTransportErrorIsProvisionFailed(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", AppID: "app"})

	_, err := c.Provision(context.Background(), Request{UserID: 1})
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
}

func TestTerminate(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.WriteString(w, `{}`)
	})

	if err := c.Terminate(context.Background(), "A1"); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if path != "/app-1/agents/A1/leave" {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestTerminateFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.Terminate(context.Background(), "A1")
	if !errors.Is(err, ErrTerminateFailed) {
		t.Fatalf("expected ErrTerminateFailed, got %v", err)
	}
}

func TestSpeak(t *testing.T) {
	var got speechRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/app-1/agents/A1/speech" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	})

	if err := c.Speak(context.Background(), "A1", "hello"); err != nil {
		t.Fatalf("speak failed: %v", err)
	}
	if got.Speech != "hello" {
		t.Fatalf("unexpected speech payload: %+v", got)
	}
}
