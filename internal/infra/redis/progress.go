package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/blockindexer/internal/core/domain"
	"github.com/vietddude/blockindexer/internal/infra/storage"
)

var _ storage.ProgressRepository = (*ProgressRepo)(nil)

// Hash fields of a progress record. A record without a pointer has no
// number and hash fields.
const (
	fieldNumber    = "number"
	fieldHash      = "hash"
	fieldHealth    = "health"
	fieldUpdatedAt = "updated_at"
)

// ProgressRepo keeps one Redis hash per deployment plus a set indexing them.
type ProgressRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewProgressRepo creates a Redis-backed progress repository.
func NewProgressRepo(client *Client) *ProgressRepo {
	return &ProgressRepo{rdb: client.rdb, prefix: client.prefix}
}

func (r *ProgressRepo) Create(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	key := progressKey(r.prefix, deploymentID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, fieldHealth, string(domain.HealthUnknown))
		pipe.HSetNX(ctx, key, fieldUpdatedAt, time.Now().UnixNano())
		pipe.SAdd(ctx, progressIndexKey(r.prefix), deploymentID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create progress record: %w", err)
	}
	return r.Get(ctx, deploymentID)
}

func (r *ProgressRepo) Get(ctx context.Context, deploymentID string) (*domain.ProgressRecord, error) {
	fields, err := r.rdb.HGetAll(ctx, progressKey(r.prefix, deploymentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get progress record: %w", err)
	}
	return decodeRecord(deploymentID, fields)
}

// CompareAndSwap watches the record, compares its pointer with prior and
// writes next in a MULTI block. A concurrent change aborts the transaction and
// is reported as a conflict.
func (r *ProgressRepo) CompareAndSwap(
	ctx context.Context,
	deploymentID string,
	prior, next *domain.BlockPtr,
	health domain.Health,
) error {
	key := progressKey(r.prefix, deploymentID)

	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		stored, err := decodeRecord(deploymentID, fields)
		if err != nil {
			return err
		}
		if !domain.PtrEqual(stored.Ptr, prior) {
			return domain.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.HDel(ctx, key, fieldNumber, fieldHash)
			} else {
				pipe.HSet(ctx, key, fieldNumber, next.Number, fieldHash, next.Hash.Hex())
			}
			pipe.HSet(ctx, key, fieldHealth, string(health), fieldUpdatedAt, time.Now().UnixNano())
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return domain.ErrConflict
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return err
	default:
		return fmt.Errorf("failed to update progress record: %w", err)
	}
}

func (r *ProgressRepo) Delete(ctx context.Context, deploymentID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, progressKey(r.prefix, deploymentID))
		pipe.SRem(ctx, progressIndexKey(r.prefix), deploymentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete progress record: %w", err)
	}
	return nil
}

func (r *ProgressRepo) List(ctx context.Context) ([]*domain.ProgressRecord, error) {
	ids, err := r.rdb.SMembers(ctx, progressIndexKey(r.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list progress records: %w", err)
	}
	sort.Strings(ids)

	out := make([]*domain.ProgressRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(deploymentID string, fields map[string]string) (*domain.ProgressRecord, error) {
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	rec := &domain.ProgressRecord{
		DeploymentID: deploymentID,
		Health:       domain.ParseHealth(fields[fieldHealth]),
	}
	if ns, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(0, ns)
	}

	number, hasNumber := fields[fieldNumber]
	hash, hasHash := fields[fieldHash]
	if hasNumber != hasHash {
		return nil, fmt.Errorf("corrupt progress record %s: number and hash must be set together", deploymentID)
	}
	if hasNumber {
		n, err := strconv.ParseUint(number, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt progress record %s: %w", deploymentID, err)
		}
		rec.Ptr = &domain.BlockPtr{Number: n, Hash: common.HexToHash(hash)}
	}
	return rec, nil
}
