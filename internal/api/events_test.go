package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/meetbot/internal/model"
)

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/bots/missing/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	r := &model.BotRun{
		ID: model.NewID(), Status: model.StatusRunning,
		Platform: model.PlatformZoom, MeetingURL: zoomURL,
		CreatedAt: now, StartedAt: &now,
	}
	if err := srv.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	r.Status = model.StatusCompleted
	if err := srv.store.FinishRun(ctx, r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/bots/" + r.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestStreamEventsLive(t *testing.T) {
	g := newGateBot()
	srv := newTestServerWith(t, g, 2, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := postBot(t, ts, `{"meeting_url":"`+zoomURL+`"}`, http.StatusAccepted)

	// Headers are flushed only after the handler subscribed.
	resp, err := http.Get(ts.URL + "/v1/bots/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	g.open()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(bodyBytes)

	for _, want := range []string{
		// Published before the client subscribed, delivered from replay.
		"event: admitted\n",
		"event: log\n",
		"data: meeting ended\n",
		"event: completed\n",
		"event: done\ndata: stream complete\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event: completed") > strings.Index(body, "event: done") {
		t.Error("done arrived before completed")
	}
}

func TestGetEventHistory(t *testing.T) {
	g := newGateBot()
	srv := newTestServerWith(t, g, 2, Options{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	run := postBot(t, ts, `{"meeting_url":"`+zoomURL+`"}`, http.StatusAccepted)
	g.open()

	waitFor(t, func() bool {
		events, err := srv.store.GetEvents(context.Background(), run.ID)
		return err == nil && len(events) > 0 && events[len(events)-1].Type == model.EventCompleted
	})

	resp, err := http.Get(ts.URL + "/v1/bots/" + run.ID + "/events/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body eventHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RunID != run.ID {
		t.Errorf("run_id = %q, want %q", body.RunID, run.ID)
	}
	if len(body.Events) < 4 {
		t.Fatalf("got %d events, want at least 4", len(body.Events))
	}
	if body.Events[0].Type != model.EventAdmitted {
		t.Errorf("first event = %q, want admitted", body.Events[0].Type)
	}
	for i := 1; i < len(body.Events); i++ {
		if body.Events[i].Seq <= body.Events[i-1].Seq {
			t.Errorf("events out of order at %d: seq %d after %d", i, body.Events[i].Seq, body.Events[i-1].Seq)
		}
	}
}

func TestGetEventHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/bots/missing/events/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWriteSSEEventMultiline(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeSSEEvent(rec, 7, "log", "line one\nline two"); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	want := "id: 7\nevent: log\ndata: line one\ndata: line two\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
