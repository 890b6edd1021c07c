package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valuation-tools/tabctl/internal/model"
)

// MemoryPath opens the badger store in memory.
const MemoryPath = ":memory:"

// Open returns the store configured by cfg, or nil for the none kind. An
// empty badger path defaults to tabctl/outcomes in the user cache directory.
func Open(ctx context.Context, cfg model.Store) (Store, error) {
	switch cfg.Kind {
	case model.StoreNone:
		return nil, nil
	case model.StoreRedis:
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return r, nil
	case model.StoreBadger, "":
		path := cfg.Path
		switch path {
		case MemoryPath:
			path = ""
		case "":
			cache, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("locating badger directory: %w", err)
			}
			path = filepath.Join(cache, "tabctl", "outcomes")
		}
		b, err := OpenBadger(path, cfg.TTL)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}
