package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/indexing/mapping"
)

var _ mapping.Emitter = (*Publisher)(nil)

// Publisher appends mapping events to a Redis stream, one entry per event.
type Publisher struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewPublisher creates a publisher writing to the named stream. maxLen > 0
// caps the stream approximately.
func NewPublisher(client *Client, stream string, maxLen int64) *Publisher {
	return &Publisher{
		rdb:    client.rdb,
		stream: streamKey(client.prefix, stream),
		maxLen: maxLen,
	}
}

// Stream returns the full stream key.
func (p *Publisher) Stream() string {
	return p.stream
}

// EmitBatch appends all events in one pipeline, preserving their order.
func (p *Publisher) EmitBatch(ctx context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range events {
			values, err := eventValues(e)
			if err != nil {
				return err
			}
			args := &redis.XAddArgs{Stream: p.stream, Values: values}
			if p.maxLen > 0 {
				args.MaxLen = p.maxLen
				args.Approx = true
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %d events: %w", len(events), err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (p *Publisher) Close() error {
	return nil
}

func eventValues(e *domain.Event) (map[string]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
	}
	return map[string]any{
		"id":           e.ID,
		"type":         string(e.EventType),
		"deployment":   e.DeploymentID,
		"block_number": strconv.FormatUint(e.Block.Number, 10),
		"block_hash":   e.Block.Hash.Hex(),
		"payload":      string(payload),
	}, nil
}
