package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/relay/pkg/gateway/config"
)

func testConfig(endpoint string) config.Config {
	return config.Config{
		UpstreamEndpoint:   endpoint,
		UpstreamAPIKey:     "test-key",
		UpstreamDeployment: "gpt-realtime",
		UpstreamAPIVersion: "2024-10-01-preview",
		ConnectTimeout:     2 * time.Second,
		MaxMessageBytes:    1 << 20,
		Voice:              "alloy",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildURL_InjectsCredentials(t *testing.T) {
	c := NewConnector(testConfig("https://example.openai.azure.com"), discardLogger())

	target, err := c.buildURL()
	if err != nil {
		t.Fatalf("build url: %v", err)
	}

	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" {
		t.Fatalf("scheme = %q, want wss", u.Scheme)
	}
	if u.Path != "/openai/realtime" {
		t.Fatalf("path = %q, want /openai/realtime", u.Path)
	}
	q := u.Query()
	if q.Get("api-key") != "test-key" {
		t.Fatalf("api-key = %q", q.Get("api-key"))
	}
	if q.Get("deployment") != "gpt-realtime" {
		t.Fatalf("deployment = %q", q.Get("deployment"))
	}
	if q.Get("api-version") != "2024-10-01-preview" {
		t.Fatalf("api-version = %q", q.Get("api-version"))
	}
}

func TestBuildURL_SchemeMapping(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"https://host", "wss"},
		{"wss://host", "wss"},
		{"http://host", "ws"},
		{"ws://host", "ws"},
	}
	for _, tt := range tests {
		c := NewConnector(testConfig(tt.endpoint), discardLogger())
		target, err := c.buildURL()
		if err != nil {
			t.Fatalf("%s: %v", tt.endpoint, err)
		}
		if !strings.HasPrefix(target, tt.want+"://") {
			t.Fatalf("%s built %q, want scheme %s", tt.endpoint, target, tt.want)
		}
	}
}

func TestBuildURL_RejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://host"} {
		c := NewConnector(testConfig(endpoint), discardLogger())
		if _, err := c.buildURL(); err == nil {
			t.Fatalf("endpoint %q should be rejected", endpoint)
		}
	}
}

func TestConnect_SendsSessionUpdateFirst(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	gotKey := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.URL.Query().Get("api-key")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	}))
	defer srv.Close()

	c := NewConnector(testConfig(srv.URL), discardLogger())
	conn, err := c.Connect(context.Background(), "s1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	if key := <-gotKey; key != "test-key" {
		t.Fatalf("server saw api-key %q", key)
	}

	select {
	case data := <-received:
		var msg struct {
			Type    string `json:"type"`
			Session struct {
				Voice string `json:"voice"`
			} `json:"session"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal first frame: %v", err)
		}
		if msg.Type != "session.update" {
			t.Fatalf("first frame type = %q, want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Fatalf("voice = %q, want alloy", msg.Session.Voice)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received the configuration frame")
	}
}

func TestConnect_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewConnector(testConfig(srv.URL), discardLogger())
	_, err := c.Connect(context.Background(), "s1")
	if err == nil {
		t.Fatalf("connect should fail")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T", err)
	}
	if ce.Reason != ReasonRejected {
		t.Fatalf("reason = %q, want %q", ce.Reason, ReasonRejected)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.ConnectTimeout = 500 * time.Millisecond
	c := NewConnector(cfg, discardLogger())

	_, err := c.Connect(context.Background(), "s1")
	if err == nil {
		t.Fatalf("connect should fail")
	}
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("error type = %T", err)
	}
}

func TestRedactedEndpoint(t *testing.T) {
	got := redactedEndpoint("wss://host/openai/realtime?api-key=supersecret&deployment=d")
	if strings.Contains(got, "supersecret") {
		t.Fatalf("redacted url still contains the key: %s", got)
	}
	if !strings.Contains(got, "api-key=REDACTED") {
		t.Fatalf("redacted url = %s", got)
	}
}
