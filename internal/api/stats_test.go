package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/meetbot/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.ByStatus == nil || stats.ByPlatform == nil {
		t.Error("breakdowns should be empty objects, not null")
	}
	if stats.Active != 0 || stats.MaxConcurrent != 2 {
		t.Errorf("active = %d/%d, want 0/2", stats.Active, stats.MaxConcurrent)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	finish := func(platform, status string, attempts, durationMS int) {
		t.Helper()
		now := time.Now().UTC()
		r := &model.BotRun{
			ID: model.NewID(), Status: model.StatusRunning,
			Platform: platform, MeetingURL: "https://example.test/m",
			CreatedAt: now, StartedAt: &now,
		}
		if err := srv.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		r.Status = status
		r.Attempts = attempts
		r.DurationMS = &durationMS
		if err := srv.store.FinishRun(ctx, r); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	for range 3 {
		finish(model.PlatformZoom, model.StatusCompleted, 1, 100)
	}
	finish(model.PlatformTeams, model.StatusFailed, 3, 100)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["failed"] != 1 {
		t.Errorf("by_status[failed] = %d, want 1", stats.ByStatus["failed"])
	}
	if stats.ByPlatform[model.PlatformZoom] != 3 {
		t.Errorf("by_platform[zoom] = %d, want 3", stats.ByPlatform[model.PlatformZoom])
	}
	if stats.ByPlatform[model.PlatformTeams] != 1 {
		t.Errorf("by_platform[teams] = %d, want 1", stats.ByPlatform[model.PlatformTeams])
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
	if stats.AvgAttempts != 1.5 {
		t.Errorf("avg_attempts = %f, want 1.5", stats.AvgAttempts)
	}
}
