package store

import (
	"context"
	"errors"

	"github.com/seantiz/meetbot/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByPlatform map[string]int `json:"count_by_platform"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	AvgAttempts     float64        `json:"avg_attempts"`
}

// Store defines the persistence operations for bot run history.
type Store interface {
	CreateRun(ctx context.Context, r *model.BotRun) error
	GetRun(ctx context.Context, id string) (*model.BotRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.BotRun, int, error)
	MarkAttempt(ctx context.Context, id string, attempt int) error
	FinishRun(ctx context.Context, r *model.BotRun) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertEvent(ctx context.Context, runID string, seq int, eventType, message string) error
	GetEvents(ctx context.Context, runID string) ([]model.Event, error)
	Close() error
}
