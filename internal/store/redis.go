package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/antoniostano/taskforge/internal/guard"
	"github.com/antoniostano/taskforge/internal/task"
)

// ledgerRetention keeps entries a little past the widest guard window.
const ledgerRetention = 25 * time.Hour

// userLockTTL bounds how long a crashed holder can wedge reservations for
// one user.
const userLockTTL = 5 * time.Second

// unlockScript deletes the lock only when the caller still holds it, so a
// holder that outlived its TTL cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLedger keeps the usage ledger in Redis so several worker processes
// can share one set of rolling windows. Each entry lives under its own
// key; a per-user sorted set scored by timestamp indexes the windows.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(ctx context.Context, addr string) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisLedger{client: client}, nil
}

func entryKey(id string) string      { return "taskforge:ledger:entry:" + id }
func userIndexKey(uid string) string { return "taskforge:ledger:user:" + uid }
func userLockKey(uid string) string  { return "taskforge:ledger:lock:" + uid }

func (l *RedisLedger) AppendLedger(ctx context.Context, e guard.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, entryKey(e.ID), raw, ledgerRetention)
	pipe.ZAdd(ctx, userIndexKey(e.UserID), redis.Z{
		Score:  float64(e.At.UnixNano()),
		Member: e.ID,
	})
	pipe.Expire(ctx, userIndexKey(e.UserID), ledgerRetention)
	// Drop index members past the widest window while we are here.
	cutoff := time.Now().Add(-ledgerRetention).UnixNano()
	pipe.ZRemRangeByScore(ctx, userIndexKey(e.UserID), "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l *RedisLedger) FinalizeLedger(ctx context.Context, e guard.Entry) error {
	exists, err := l.client.Exists(ctx, entryKey(e.ID)).Result()
	if err != nil {
		return fmt.Errorf("check ledger entry: %w", err)
	}
	if exists == 0 {
		return task.ErrStoreNotFound
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := l.client.Set(ctx, entryKey(e.ID), raw, ledgerRetention).Err(); err != nil {
		return fmt.Errorf("finalize ledger entry: %w", err)
	}
	return nil
}

// LockUser implements guard.Ledger with a SET NX lock shared by every
// process reserving against this Redis, spinning until the current holder
// releases or its TTL lapses.
func (l *RedisLedger) LockUser(ctx context.Context, userID string) (func(), error) {
	key := userLockKey(userID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, userLockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire user ledger lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return func() {
		_ = unlockScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}, nil
}

func (l *RedisLedger) LedgerWindow(ctx context.Context, userID string, since time.Time) (int, float64, error) {
	ids, err := l.client.ZRangeByScore(ctx, userIndexKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger window index: %w", err)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	raws, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("ledger window entries: %w", err)
	}

	requests := 0
	costUSD := 0.0
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			// Entry expired between the index read and the fetch.
			continue
		}
		var e guard.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return 0, 0, fmt.Errorf("decode ledger entry: %w", err)
		}
		requests++
		costUSD += e.CostUSD
	}
	return requests, costUSD, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
