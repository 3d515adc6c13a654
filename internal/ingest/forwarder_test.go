package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestForwardPostsEnvelope(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []forwardEnvelope
		cten string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env forwardEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		mu.Lock()
		got = append(got, env)
		cten = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f, err := NewHTTPForwarder(HTTPForwarderConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPForwarder: %v", err)
	}

	chunk := TranscriptAudioChunk{
		AudioBase64: "AAAA",
		Seq:         3,
		SampleRate:  48000,
		Encoding:    CodecPCM,
		DurationMs:  20,
	}
	if err := f.Forward(context.Background(), "ev-1", chunk); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("posts = %d, want 1", len(got))
	}
	if got[0].EventID != "ev-1" || got[0].Chunk.Seq != 3 || got[0].Chunk.AudioBase64 != "AAAA" {
		t.Errorf("envelope = %+v", got[0])
	}
	if cten != "application/json" {
		t.Errorf("content type = %q", cten)
	}
}

func TestForwardRejectsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	f, err := NewHTTPForwarder(HTTPForwarderConfig{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("NewHTTPForwarder: %v", err)
	}
	if err := f.Forward(context.Background(), "ev-1", TranscriptAudioChunk{Seq: 1}); err == nil {
		t.Error("502 response accepted")
	}
}

func TestForwardUnreachableEndpoint(t *testing.T) {
	f, err := NewHTTPForwarder(HTTPForwarderConfig{
		Endpoint: "http://127.0.0.1:1",
		Timeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewHTTPForwarder: %v", err)
	}
	if err := f.Forward(context.Background(), "ev-1", TranscriptAudioChunk{Seq: 1}); err == nil {
		t.Error("unreachable endpoint accepted")
	}
}

func TestNewHTTPForwarderRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPForwarder(HTTPForwarderConfig{}); err == nil {
		t.Error("empty endpoint accepted")
	}
}
