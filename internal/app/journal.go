package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/carevox/internal/config"
	"github.com/MrWong99/carevox/internal/journal"
	"github.com/MrWong99/carevox/internal/journal/postgres"
	"github.com/MrWong99/carevox/internal/journal/redis"
)

// OpenJournal creates the turn journal selected by cfg.Backend. The caller
// owns the returned writer and must Close it.
func OpenJournal(ctx context.Context, cfg config.JournalConfig) (journal.Writer, error) {
	switch cfg.Backend {
	case config.JournalNone:
		return journal.Nop{}, nil
	case config.JournalMemory, "":
		return journal.NewMemory(cfg.MemoryLimit), nil
	case config.JournalPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("app: open journal: %w", err)
		}
		return s, nil
	case config.JournalRedis:
		var opts []redis.Option
		if cfg.RedisStream != "" {
			opts = append(opts, redis.WithStream(cfg.RedisStream))
		}
		w, err := redis.Dial(ctx, cfg.RedisAddr, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: open journal: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("app: open journal: unknown backend %q", cfg.Backend)
	}
}
