// pkg/app/app.go
package app

import (
	"context"
	"fmt"

	"promptvault/pkg/diff"
	"promptvault/pkg/impact"
	"promptvault/pkg/meta"
	"promptvault/pkg/perf"
	"promptvault/pkg/rollback"
	"promptvault/pkg/version"

	"github.com/spf13/viper"
	"gorm.io/gorm"
)

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它持有所有“单例”服务
type App struct {
	DB       *meta.DB
	Repo     *meta.Repository
	Versions *version.Service
	Tracker  *perf.Tracker
	Analyzer *impact.Analyzer
	Rollback *rollback.Service

	// Identity 审计字段 (created_by) 的默认操作者
	Identity string
}

// NewApp 是工厂函数，负责组装这一台机器
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
func NewApp(ctx context.Context) (*App, error) {
	db, err := meta.NewDB(ctx, meta.Config{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	return assemble(db)
}

// NewAppWithConn 复用现有的 GORM 连接组装容器
// 用于单元测试 (sqlite in-memory) 或上层已持有连接池的场景
func NewAppWithConn(conn *gorm.DB) (*App, error) {
	db := meta.NewWithConn(conn)
	if err := db.AutoMigrate(meta.AllModels()...); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}
	return assemble(db)
}

func assemble(db *meta.DB) (*App, error) {
	repo := meta.NewRepository(db)

	// 快照缓存是可选依赖：没配 Redis 就直查数据库
	var tracker *perf.Tracker
	if viper.GetBool("cache.enabled") {
		cache, err := perf.NewCachedSnapshots(repo, perf.CacheConfig{
			RedisURL: viper.GetString("cache.redis_url"),
			TTL:      viper.GetDuration("cache.ttl"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init snapshot cache: %w", err)
		}
		tracker = perf.NewCachedTracker(repo, cache)
	} else {
		tracker = perf.NewTracker(repo)
	}

	versions := version.NewService(repo, diff.NewLengthHeuristic())
	analyzer := impact.NewAnalyzer(repo, tracker)
	rollbackSvc := rollback.NewService(repo, versions, tracker, nil)

	return &App{
		DB:       db,
		Repo:     repo,
		Versions: versions,
		Tracker:  tracker,
		Analyzer: analyzer,
		Rollback: rollbackSvc,
		Identity: viper.GetString("identity.name"),
	}, nil
}
