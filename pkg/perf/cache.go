package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"promptvault/pkg/meta"

	"github.com/redis/go-redis/v9"
)

// SnapshotReader 性能快照的读取能力 (Repository 天然满足)
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, versionID string) (*meta.SnapshotModel, error)
}

// CachedSnapshots 是一个装饰器，为快照读取添加 Redis 缓存层
// 快照读多写少 (每次执行上报才变)，是整个系统最热的读路径
type CachedSnapshots struct {
	backend SnapshotReader
	client  *redis.Client
	ttl     time.Duration
}

type CacheConfig struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

func NewCachedSnapshots(backend SnapshotReader, cfg CacheConfig) (*CachedSnapshots, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedSnapshots{backend: backend, client: client, ttl: cfg.TTL}, nil
}

func (c *CachedSnapshots) cacheKey(versionID string) string {
	return "pv:snap:" + versionID
}

// 快照是可变数据，失效和回填之间存在竞争：
// 读 miss 拿到旧快照 S1 -> 新执行写入 S2 并失效 -> 迟到的回填把 S1 写回缓存。
// 解法：失效不用 DEL 而是写一个短命墓碑，回填用 SETNX；
// 墓碑存活期比回填超时长，迟到的回填要么撞上墓碑失败，要么早已超时
const (
	snapshotTombstone = "invalidated"

	backfillTimeout = 2 * time.Second
	tombstoneTTL    = 5 * time.Second // 必须大于 backfillTimeout
)

// GetSnapshot 读穿 (Read-Through)
// 架构决策：缓存故障降级 (Cache Failure Fallback)
// Redis 挂了不让主流程崩溃，退化为直查数据库
func (c *CachedSnapshots) GetSnapshot(ctx context.Context, versionID string) (*meta.SnapshotModel, error) {
	key := c.cacheKey(versionID)

	raw, err := c.client.Get(ctx, key).Bytes()
	if err == nil && string(raw) != snapshotTombstone {
		var snap meta.SnapshotModel
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			return &snap, nil
		}
		// 缓存内容损坏：当 miss 处理，等 TTL 自然过期
	} else if err != nil && err != redis.Nil {
		fmt.Printf("WARN: Redis error: %v\n", err)
	}

	snap, err := c.backend.GetSnapshot(ctx, versionID)
	if err != nil {
		return nil, err
	}

	// 缓存回填：异步，不阻塞主流程
	// SETNX: 只在 key 不存在时写入，绝不覆盖墓碑或别人已写好的新值
	if snap != nil {
		if raw, jsonErr := json.Marshal(snap); jsonErr == nil {
			go func() {
				fillCtx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
				defer cancel()
				c.client.SetNX(fillCtx, key, raw, c.ttl)
			}()
		}
	}
	return snap, nil
}

// Invalidate 执行上报后使缓存失效
// 写墓碑而不是 DEL：挡住还在飞行中的旧回填。写入失败可以忽略：
// 最坏情况是一个 TTL 周期内读到略旧的快照
func (c *CachedSnapshots) Invalidate(ctx context.Context, versionID string) {
	if err := c.client.Set(ctx, c.cacheKey(versionID), snapshotTombstone, tombstoneTTL).Err(); err != nil {
		fmt.Printf("WARN: Redis error: %v\n", err)
	}
}
