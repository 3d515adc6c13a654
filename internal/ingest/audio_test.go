package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// captureForwarder records every forwarded chunk.
type captureForwarder struct {
	mu      sync.Mutex
	eventID string
	chunks  []TranscriptAudioChunk
}

func (f *captureForwarder) Forward(_ context.Context, eventID string, chunk TranscriptAudioChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventID = eventID
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *captureForwarder) all() []TranscriptAudioChunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TranscriptAudioChunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func newStreamClient(t *testing.T) (*captureForwarder, *websocket.Conn, context.Context) {
	t.Helper()
	fwd := &captureForwarder{}
	srv := httptest.NewServer(NewHandler(fwd, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/audio/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return fwd, conn, ctx
}

func readAck(t *testing.T, ctx context.Context, conn *websocket.Conn) ack {
	t.Helper()
	kind, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if kind != websocket.MessageText {
		t.Fatalf("ack frame kind = %v, want text", kind)
	}
	var a ack
	if err := json.Unmarshal(data, &a); err != nil {
		t.Fatalf("ack decode: %v (raw %q)", err, data)
	}
	return a
}

func sendControl(t *testing.T, ctx context.Context, conn *websocket.Conn, msg controlMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write control: %v", err)
	}
}

func TestWelcomeFrame(t *testing.T) {
	_, conn, ctx := newStreamClient(t)

	welcome := readAck(t, ctx, conn)
	if !welcome.OK || welcome.Message != "Connected to audio stream" {
		t.Errorf("welcome = %+v", welcome)
	}
}

func TestPCMStreamForwardsChunks(t *testing.T) {
	fwd, conn, ctx := newStreamClient(t)
	readAck(t, ctx, conn) // welcome

	sendControl(t, ctx, conn, controlMessage{
		Type: "start", Client: "obs", Codec: "pcm_s16le",
		EventID: "ev1", SampleRate: 16000, BytesPerSample: 2, Speaker: "host",
	})
	started := readAck(t, ctx, conn)
	if !started.OK || started.Message != "Session started" {
		t.Fatalf("start ack = %+v", started)
	}

	// 16000 Hz * 2 bytes * 1 channel = 32000 bytes/s, so 3200 bytes = 100 ms.
	frame := make([]byte, 3200)
	for i := range frame {
		frame[i] = byte(i)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	waitForChunks(t, fwd, 1)
	chunks := fwd.all()
	got := chunks[0]
	if got.Seq != 1 || got.IsFinal {
		t.Errorf("chunk = seq %d final %v, want seq 1 non-final", got.Seq, got.IsFinal)
	}
	if got.Encoding != CodecPCM || got.SampleRate != 16000 || got.BytesPerSample != 2 {
		t.Errorf("chunk format = %s/%d/%d", got.Encoding, got.SampleRate, got.BytesPerSample)
	}
	if got.DurationMs != 100 {
		t.Errorf("duration = %d ms, want 100", got.DurationMs)
	}
	if got.Speaker != "host" {
		t.Errorf("speaker = %q, want host", got.Speaker)
	}
	decoded, err := base64.StdEncoding.DecodeString(got.AudioBase64)
	if err != nil || len(decoded) != len(frame) {
		t.Errorf("payload round-trip: err=%v len=%d want %d", err, len(decoded), len(frame))
	}
	if fwd.eventID != "ev1" {
		t.Errorf("forwarded event id = %q", fwd.eventID)
	}
}

func TestStopEmitsFinalChunk(t *testing.T) {
	fwd, conn, ctx := newStreamClient(t)
	readAck(t, ctx, conn)

	sendControl(t, ctx, conn, controlMessage{Type: "start", EventID: "ev1", Codec: "pcm"})
	readAck(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, make([]byte, 960)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	waitForChunks(t, fwd, 1)

	sendControl(t, ctx, conn, controlMessage{Type: "stop"})
	stopped := readAck(t, ctx, conn)
	if !stopped.OK {
		t.Fatalf("stop ack = %+v", stopped)
	}

	waitForChunks(t, fwd, 2)
	chunks := fwd.all()
	final := chunks[len(chunks)-1]
	if !final.IsFinal {
		t.Errorf("last chunk final = false, want true")
	}
	if final.Seq != 2 {
		t.Errorf("final seq = %d, want 2", final.Seq)
	}
	if final.AudioBase64 != "" {
		t.Errorf("final chunk carries audio")
	}

	// Server closes with a normal status after stop.
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", websocket.CloseStatus(err))
	}
}

func TestUnknownControlTypeRejected(t *testing.T) {
	_, conn, ctx := newStreamClient(t)
	readAck(t, ctx, conn)

	sendControl(t, ctx, conn, controlMessage{Type: "mystery"})
	a := readAck(t, ctx, conn)
	if a.OK || a.Error == "" {
		t.Errorf("ack = %+v, want ok=false with error", a)
	}
}

func TestAudioBeforeStartRejected(t *testing.T) {
	fwd, conn, ctx := newStreamClient(t)
	readAck(t, ctx, conn)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	a := readAck(t, ctx, conn)
	if a.OK || a.Error == "" {
		t.Errorf("ack = %+v, want rejection", a)
	}
	if len(fwd.all()) != 0 {
		t.Errorf("chunks forwarded before start: %d", len(fwd.all()))
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name string
		msg  controlMessage
	}{
		{"missing event id", controlMessage{Type: "start", Codec: "pcm"}},
		{"unsupported codec", controlMessage{Type: "start", EventID: "ev1", Codec: "flac"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, conn, ctx := newStreamClient(t)
			readAck(t, ctx, conn)

			sendControl(t, ctx, conn, tc.msg)
			a := readAck(t, ctx, conn)
			if a.OK || a.Error == "" {
				t.Errorf("ack = %+v, want rejection", a)
			}
		})
	}
}

func TestDoubleStartRejected(t *testing.T) {
	_, conn, ctx := newStreamClient(t)
	readAck(t, ctx, conn)

	sendControl(t, ctx, conn, controlMessage{Type: "start", EventID: "ev1", Codec: "pcm"})
	if a := readAck(t, ctx, conn); !a.OK {
		t.Fatalf("first start rejected: %+v", a)
	}
	sendControl(t, ctx, conn, controlMessage{Type: "start", EventID: "ev1", Codec: "pcm"})
	if a := readAck(t, ctx, conn); a.OK {
		t.Errorf("second start accepted")
	}
}

func waitForChunks(t *testing.T, fwd *captureForwarder, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(fwd.all()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d chunks, have %d", n, len(fwd.all()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}
