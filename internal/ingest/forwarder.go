package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultForwardTimeout = 5 * time.Second

// HTTPForwarderConfig tunes an [HTTPForwarder].
type HTTPForwarderConfig struct {
	// Endpoint receives one POST per audio chunk.
	Endpoint string

	// Timeout bounds a single POST. Default 5s.
	Timeout time.Duration

	// Client overrides the HTTP client. Defaults to a fresh client with
	// Timeout applied.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPForwarder delivers audio chunks to the upstream transcription pipeline
// as JSON POSTs. The pipeline transcribes and writes the resulting chunks
// back through the transcript change stream.
type HTTPForwarder struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

var _ ChunkForwarder = (*HTTPForwarder)(nil)

// NewHTTPForwarder creates the forwarder.
func NewHTTPForwarder(cfg HTTPForwarderConfig) (*HTTPForwarder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ingest: forward endpoint must not be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultForwardTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPForwarder{
		endpoint: cfg.Endpoint,
		client:   cfg.Client,
		log:      cfg.Logger,
	}, nil
}

// forwardEnvelope is the POST body. The event id rides alongside the chunk so
// the pipeline can route without parsing headers.
type forwardEnvelope struct {
	EventID string               `json:"event_id"`
	Chunk   TranscriptAudioChunk `json:"chunk"`
}

// Forward posts one chunk. A non-2xx response is an error so the websocket
// handler can surface the failure to the streaming client.
func (f *HTTPForwarder) Forward(ctx context.Context, eventID string, chunk TranscriptAudioChunk) error {
	body, err := json.Marshal(forwardEnvelope{EventID: eventID, Chunk: chunk})
	if err != nil {
		return fmt.Errorf("ingest: marshal chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ingest: build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest: forward chunk seq=%d: %w", chunk.Seq, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingest: forward chunk seq=%d: upstream returned %d", chunk.Seq, resp.StatusCode)
	}
	return nil
}
