// Package ingest implements the audio front door: a bidirectional WebSocket
// endpoint at /audio/stream that accepts control frames and binary audio,
// decodes Opus to PCM where needed, and forwards the result upstream as
// transcript audio chunks.
//
// Transcription itself happens upstream; this boundary only normalizes the
// audio and tags it with stream metadata.
package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"layeh.com/gopus"
)

// Stream defaults applied when the start frame omits them.
const (
	defaultSampleRate     = 48000
	defaultBytesPerSample = 2

	// channels is fixed: speech ingest is mono.
	channels = 1

	// opusFrameMs is the packet duration the decoder assumes.
	opusFrameMs = 20

	// logEvery is the chunk-forward sampling rate for info logs.
	logEvery = 10
)

// Supported codec values on the start frame.
const (
	CodecOpus = "opus"
	CodecWebM = "webm"
	CodecPCM  = "pcm_s16le"
)

// TranscriptAudioChunk is the normalized unit forwarded upstream.
type TranscriptAudioChunk struct {
	AudioBase64    string `json:"audio_base64"`
	Seq            uint64 `json:"seq"`
	IsFinal        bool   `json:"is_final"`
	SampleRate     int    `json:"sample_rate"`
	BytesPerSample int    `json:"bytes_per_sample"`
	Encoding       string `json:"encoding"`
	DurationMs     int    `json:"duration_ms"`
	Speaker        string `json:"speaker,omitempty"`
}

// ChunkForwarder delivers chunks to the upstream transcription pipeline.
type ChunkForwarder interface {
	Forward(ctx context.Context, eventID string, chunk TranscriptAudioChunk) error
}

// controlMessage is an inbound text frame.
type controlMessage struct {
	Type           string `json:"type"`
	Client         string `json:"client,omitempty"`
	Codec          string `json:"codec,omitempty"`
	EventID        string `json:"event_id,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	BytesPerSample int    `json:"bytes_per_sample,omitempty"`
	Speaker        string `json:"speaker,omitempty"`
}

// ack is the outbound reply to any control interaction.
type ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler serves /audio/stream.
type Handler struct {
	forwarder ChunkForwarder
	log       *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates the audio stream handler.
func NewHandler(forwarder ChunkForwarder, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{forwarder: forwarder, log: log}
}

// stream is the per-connection state machine.
type stream struct {
	started        bool
	eventID        string
	client         string
	codec          string
	speaker        string
	sampleRate     int
	bytesPerSample int
	seq            uint64

	decoder *gopus.Decoder
}

// ServeHTTP upgrades the connection and runs the stream protocol until the
// client stops or the connection drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("audio stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()
	if err := writeJSON(ctx, conn, ack{OK: true, Message: "Connected to audio stream"}); err != nil {
		return
	}

	st := &stream{}
	for {
		kind, data, err := conn.Read(ctx)
		if err != nil {
			if st.started {
				h.log.Info("audio stream closed",
					"event_id", st.eventID, "client", st.client, "chunks", st.seq)
			}
			return
		}

		switch kind {
		case websocket.MessageText:
			stop, err := h.handleControl(ctx, conn, st, data)
			if err != nil {
				h.log.Warn("audio control failed", "error", err)
				return
			}
			if stop {
				conn.Close(websocket.StatusNormalClosure, "stream stopped")
				return
			}
		case websocket.MessageBinary:
			if err := h.handleAudio(ctx, conn, st, data); err != nil {
				h.log.Warn("audio frame failed", "event_id", st.eventID, "error", err)
			}
		}
	}
}

// handleControl processes one text frame. The bool result reports a clean
// stop; errors mean the connection is unusable.
func (h *Handler) handleControl(ctx context.Context, conn *websocket.Conn, st *stream, data []byte) (bool, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false, writeJSON(ctx, conn, ack{OK: false, Error: "malformed control frame"})
	}

	switch msg.Type {
	case "start":
		if err := h.startStream(st, msg); err != nil {
			return false, writeJSON(ctx, conn, ack{OK: false, Error: err.Error()})
		}
		h.log.Info("audio stream started",
			"event_id", st.eventID, "client", st.client,
			"codec", st.codec, "sample_rate", st.sampleRate)
		return false, writeJSON(ctx, conn, ack{OK: true, Message: "Session started"})

	case "stop":
		if !st.started {
			return false, writeJSON(ctx, conn, ack{OK: false, Error: "stream not started"})
		}
		// Final marker chunk so the upstream pipeline can flush.
		final := TranscriptAudioChunk{
			Seq:            st.seq + 1,
			IsFinal:        true,
			SampleRate:     st.sampleRate,
			BytesPerSample: st.bytesPerSample,
			Encoding:       st.encoding(),
			Speaker:        st.speaker,
		}
		if err := h.forwarder.Forward(ctx, st.eventID, final); err != nil {
			h.log.Warn("final chunk forward failed", "event_id", st.eventID, "error", err)
		}
		return true, writeJSON(ctx, conn, ack{OK: true, Message: "Session stopped"})

	default:
		return false, writeJSON(ctx, conn, ack{OK: false, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// startStream validates the start frame and initializes per-stream state.
func (h *Handler) startStream(st *stream, msg controlMessage) error {
	if st.started {
		return fmt.Errorf("stream already started")
	}
	if msg.EventID == "" {
		return fmt.Errorf("event_id is required")
	}

	codec := msg.Codec
	if codec == "" {
		codec = CodecPCM
	}
	switch codec {
	case CodecOpus, CodecWebM, CodecPCM, "pcm":
		if codec == "pcm" {
			codec = CodecPCM
		}
	default:
		return fmt.Errorf("unsupported codec %q", msg.Codec)
	}

	st.started = true
	st.eventID = msg.EventID
	st.client = msg.Client
	st.codec = codec
	st.speaker = msg.Speaker
	st.sampleRate = msg.SampleRate
	if st.sampleRate <= 0 {
		st.sampleRate = defaultSampleRate
	}
	st.bytesPerSample = msg.BytesPerSample
	if st.bytesPerSample <= 0 {
		st.bytesPerSample = defaultBytesPerSample
	}

	if codec == CodecOpus {
		dec, err := gopus.NewDecoder(st.sampleRate, channels)
		if err != nil {
			return fmt.Errorf("create opus decoder: %w", err)
		}
		st.decoder = dec
	}
	return nil
}

// handleAudio normalizes one binary frame and forwards it.
func (h *Handler) handleAudio(ctx context.Context, conn *websocket.Conn, st *stream, data []byte) error {
	if !st.started {
		return writeJSON(ctx, conn, ack{OK: false, Error: "start required before audio"})
	}

	payload := data
	if st.codec == CodecOpus {
		frameSize := st.sampleRate * opusFrameMs / 1000
		pcm, err := st.decoder.Decode(data, frameSize, false)
		if err != nil {
			return fmt.Errorf("opus decode: %w", err)
		}
		payload = int16sToBytes(pcm)
	}

	st.seq++
	chunk := TranscriptAudioChunk{
		AudioBase64:    base64.StdEncoding.EncodeToString(payload),
		Seq:            st.seq,
		SampleRate:     st.sampleRate,
		BytesPerSample: st.bytesPerSample,
		Encoding:       st.encoding(),
		DurationMs:     st.durationMs(len(payload)),
		Speaker:        st.speaker,
	}

	if err := h.forwarder.Forward(ctx, st.eventID, chunk); err != nil {
		return fmt.Errorf("forward chunk %d: %w", chunk.Seq, err)
	}
	if st.seq%logEvery == 0 {
		h.log.Info("audio chunks forwarded",
			"event_id", st.eventID, "seq", st.seq, "bytes", len(payload))
	}
	return nil
}

// encoding reports the wire encoding of forwarded payloads. Opus input is
// decoded at this boundary, so it leaves as PCM.
func (st *stream) encoding() string {
	if st.codec == CodecWebM {
		return CodecWebM
	}
	return CodecPCM
}

// durationMs derives the chunk duration from the payload size. WebM frames
// stay container-encoded, so their duration is unknown here.
func (st *stream) durationMs(payloadBytes int) int {
	if st.codec == CodecWebM {
		return 0
	}
	bytesPerSecond := st.sampleRate * st.bytesPerSample * channels
	if bytesPerSecond == 0 {
		return 0
	}
	return payloadBytes * 1000 / bytesPerSecond
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// int16sToBytes converts PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
