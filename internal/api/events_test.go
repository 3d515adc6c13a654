package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stagehand-live/stagehand/internal/orchestrator"
	"github.com/stagehand-live/stagehand/internal/runtime"
	"github.com/stagehand-live/stagehand/pkg/types"
)

// fakeSupervisor records lifecycle calls and returns scripted errors.
type fakeSupervisor struct {
	calls     []string
	err       error
	active    []string
	snapshots map[string]runtime.Snapshot
}

func (f *fakeSupervisor) StartEvent(_ context.Context, id string) error {
	f.calls = append(f.calls, "start:"+id)
	return f.err
}

func (f *fakeSupervisor) PauseEvent(_ context.Context, id string) error {
	f.calls = append(f.calls, "pause:"+id)
	return f.err
}

func (f *fakeSupervisor) ResumeEvent(_ context.Context, id string) error {
	f.calls = append(f.calls, "resume:"+id)
	return f.err
}

func (f *fakeSupervisor) EndEvent(_ context.Context, id string) error {
	f.calls = append(f.calls, "end:"+id)
	return f.err
}

func (f *fakeSupervisor) ActiveEvents() []string { return f.active }

func (f *fakeSupervisor) Snapshot(id string) (runtime.Snapshot, bool) {
	s, ok := f.snapshots[id]
	return s, ok
}

func newServer(sup *fakeSupervisor) *httptest.Server {
	mux := http.NewServeMux()
	NewEventsHandler(sup, nil).Register(mux)
	return httptest.NewServer(mux)
}

func post(t *testing.T, url string) (int, commandResult) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body commandResult
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestCommandsDispatchToSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	srv := newServer(sup)
	defer srv.Close()

	for _, cmd := range []string{"start", "pause", "resume", "end"} {
		status, body := post(t, srv.URL+"/events/ev-1/"+cmd)
		if status != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", cmd, status)
		}
		if !body.OK || body.EventID != "ev-1" {
			t.Errorf("%s: body = %+v", cmd, body)
		}
	}

	want := []string{"start:ev-1", "pause:ev-1", "resume:ev-1", "end:ev-1"}
	if len(sup.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", sup.calls, want)
	}
	for i, c := range want {
		if sup.calls[i] != c {
			t.Errorf("call[%d] = %q, want %q", i, sup.calls[i], c)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown event", orchestrator.ErrUnknownEvent, http.StatusNotFound},
		{"illegal transition", orchestrator.ErrIllegalTransition, http.StatusConflict},
		{"internal failure", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sup := &fakeSupervisor{err: tc.err}
			srv := newServer(sup)
			defer srv.Close()

			status, body := post(t, srv.URL+"/events/ev-9/pause")
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
			if body.OK || body.Error == "" {
				t.Errorf("body = %+v, want error set", body)
			}
		})
	}
}

func TestListEvents(t *testing.T) {
	sup := &fakeSupervisor{active: []string{"ev-1", "ev-2"}}
	srv := newServer(sup)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 {
		t.Errorf("events = %v, want 2 entries", body.Events)
	}
}

func TestListEventsEmpty(t *testing.T) {
	srv := newServer(&fakeSupervisor{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Events == nil {
		t.Error("events array missing from empty listing")
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	sup := &fakeSupervisor{
		snapshots: map[string]runtime.Snapshot{
			"ev-1": {EventID: "ev-1", Status: types.RuntimeRunning, CardsLastSeq: 7},
		},
	}
	srv := newServer(sup)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events/ev-1")
	if err != nil {
		t.Fatalf("GET snapshot: %v", err)
	}
	defer resp.Body.Close()

	var snap runtime.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.EventID != "ev-1" || snap.CardsLastSeq != 7 {
		t.Errorf("snapshot = %+v", snap)
	}

	resp2, err := http.Get(srv.URL + "/events/missing")
	if err != nil {
		t.Fatalf("GET missing snapshot: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing snapshot status = %d, want 404", resp2.StatusCode)
	}
}
