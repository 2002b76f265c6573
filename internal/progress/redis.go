package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

const (
	runKeyPrefix = "bolagate:runs:"
	defaultTTL   = 24 * time.Hour
)

// RedisSink stores the latest snapshot of each run under bolagate:runs:<id>
// and publishes it on a channel of the same name.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSink(cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisSinkFromClient(client, cfg.ProgressTTL), nil
}

func NewRedisSinkFromClient(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Snapshot is the payload pollers read.
type Snapshot struct {
	ID                     string            `json:"id"`
	Status                 types.RunStatus   `json:"status"`
	Progress               types.RunProgress `json:"progress"`
	ProgressPercent        int               `json:"progress_percent"`
	DroppedCount           int               `json:"dropped_count"`
	FindingsCountEffective int               `json:"findings_count_effective"`
	SuppressedCountRule    int               `json:"suppressed_count_rule"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

func SnapshotOf(run *types.TestRun) Snapshot {
	return Snapshot{
		ID:                     run.ID,
		Status:                 run.Status,
		Progress:               run.Progress,
		ProgressPercent:        run.ProgressPercent,
		DroppedCount:           run.DroppedCount,
		FindingsCountEffective: run.FindingsCountEffective,
		SuppressedCountRule:    run.SuppressedCountRule,
		UpdatedAt:              run.UpdatedAt,
	}
}

func Key(runID string) string { return runKeyPrefix + runID }

func (s *RedisSink) Publish(ctx context.Context, run *types.TestRun) error {
	data, err := json.Marshal(SnapshotOf(run))
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	key := Key(run.ID)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Latest reads the stored snapshot for runID.
func (s *RedisSink) Latest(ctx context.Context, runID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, Key(runID)).Bytes()
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
	}
	return &snap, nil
}

func (s *RedisSink) Close() error { return s.client.Close() }
