package zilliz

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"go.uber.org/zap"

	"github.com/docchat/backend/pkg/circuitbreaker"
	"github.com/docchat/backend/pkg/logger"
	"github.com/docchat/backend/pkg/retry"
)

// DocumentField is the scalar field the indexer stores the owning document
// id in.
const DocumentField = "document_id"

// milvusAPI is the slice of the SDK client that cleanup needs.
type milvusAPI interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Close() error
}

type Client struct {
	client  milvusAPI
	timeout time.Duration
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

func NewClient(endpoint, apiKey string, timeout time.Duration) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized", zap.String("endpoint", endpoint))

	return newClient(c, timeout), nil
}

func newClient(api milvusAPI, timeout time.Duration) *Client {
	rc := retry.DefaultConfig()
	rc.Logger = logger.GetLogger()
	return &Client{
		client:  api,
		timeout: timeout,
		retry:   rc,
		breaker: circuitbreaker.New("zilliz", circuitbreaker.Config{
			FailureThreshold: 5,
			Timeout:          30 * time.Second,
			Logger:           logger.GetLogger(),
		}),
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

// DeleteExpr builds the boolean expression selecting every vector of ids.
func DeleteExpr(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s in [%s]", DocumentField, strings.Join(parts, ","))
}

// DeleteDocuments removes all vectors of ids from collection. A collection
// that does not exist holds nothing to delete.
func (z *Client) DeleteDocuments(ctx context.Context, collection string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	expr := DeleteExpr(ids)

	err := z.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, z.retry, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, z.timeout)
			defer cancel()

			has, err := z.client.HasCollection(callCtx, collection)
			if err != nil {
				return fmt.Errorf("failed to check collection: %w", err)
			}
			if !has {
				logger.Debug("Collection missing, nothing to delete", zap.String("collection", collection))
				return nil
			}
			if err := z.client.Delete(callCtx, collection, "", expr); err != nil {
				return fmt.Errorf("failed to delete vectors: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	logger.Info("Vectors deleted",
		zap.String("collection", collection),
		zap.Int("documents", len(ids)),
	)
	return nil
}
