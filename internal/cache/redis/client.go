package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/docchat/backend/pkg/logger"
)

const statusKeyPrefix = "docstatus:"

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func statusKey(documentID int64) string {
	return fmt.Sprintf("%s%d", statusKeyPrefix, documentID)
}

func (c *Client) SetStatus(ctx context.Context, documentID int64, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.client.Set(ctx, statusKey(documentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	logger.Debug("Status stored", zap.Int64("document_id", documentID), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetStatus(ctx context.Context, documentID int64, value any) (bool, error) {
	data, err := c.client.Get(ctx, statusKey(documentID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get status: %w", err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		logger.Warn("Dropping unreadable status", zap.Int64("document_id", documentID), zap.Error(err))
		return false, nil
	}
	return true, nil
}

func (c *Client) ClearStatus(ctx context.Context, documentID int64) error {
	if err := c.client.Del(ctx, statusKey(documentID)).Err(); err != nil {
		return fmt.Errorf("failed to clear status: %w", err)
	}
	return nil
}

// ClearAllStatuses removes every status key.
func (c *Client) ClearAllStatuses(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, statusKeyPrefix+"*", 0).Iterator()
	removed := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete status key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate status keys: %w", err)
	}
	return removed, nil
}
