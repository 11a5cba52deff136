// Package budget enforces per-project token budgets against Redis.
//
// Two keys exist per project: budget:{P}:remaining (signed, may go
// negative after the fact) and usage:{P}:total (monotone non-decreasing).
// Redis atomic primitives are the only cross-request ordering authority;
// no in-process locks are held.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Manager performs admission checks and post-hoc accounting updates.
type Manager struct {
	client       *redis.Client
	logger       *zap.Logger
	checkTimeout time.Duration
}

func NewManager(client *redis.Client, logger *zap.Logger, checkTimeout time.Duration) *Manager {
	if checkTimeout == 0 {
		checkTimeout = 500 * time.Millisecond
	}
	return &Manager{
		client:       client,
		logger:       logger,
		checkTimeout: checkTimeout,
	}
}

func remainingKey(projectID string) string {
	return fmt.Sprintf("budget:%s:remaining", projectID)
}

func usageKey(projectID string) string {
	return fmt.Sprintf("usage:%s:total", projectID)
}

// Check reports whether the project can afford the estimate. Fail-closed:
// a missing key, a corrupted value, or a slow store all deny admission.
// Read-only; the concurrent-admission race is accepted because Record is
// unconditional and remaining may go negative.
func (m *Manager) Check(ctx context.Context, projectID string, estimate int64) bool {
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	val, err := m.client.Get(ctx, remainingKey(projectID)).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		m.logger.Warn("budget check failed, denying admission",
			zap.String("project_id", projectID),
			zap.Error(err))
		return false
	}

	remaining, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		m.logger.Warn("corrupted budget value, denying admission",
			zap.String("project_id", projectID))
		return false
	}

	return remaining >= estimate
}

// Record decrements the remaining budget and increments the usage counter
// by the actual token count, as one pipelined transaction so a concurrent
// reader observes both updates or neither.
func (m *Manager) Record(ctx context.Context, projectID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.DecrBy(ctx, remainingKey(projectID), tokens)
		pipe.IncrBy(ctx, usageKey(projectID), tokens)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record usage for project %s: %w", projectID, err)
	}

	m.logger.Info("usage recorded",
		zap.String("project_id", projectID),
		zap.Int64("tokens", tokens))
	return nil
}
