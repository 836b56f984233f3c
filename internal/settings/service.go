// Package settings resolves runtime configuration stored in the uiconfig table.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// NumberPlanKey names the numbering scheme used for batch invoices.
const NumberPlanKey = "jambox.numberplanid"

// Service exposes typed accessors over a Store.
type Service struct {
	store  Store
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewService constructs the service. cache may be nil.
func NewService(store Store, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

// String returns the value of a dotted section.var key or def when unset.
func (s *Service) String(ctx context.Context, key, def string) (string, error) {
	e, err := s.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if !e.Found {
		return def, nil
	}
	return e.Value, nil
}

// Int64 returns the integer value of key or def when unset. Non numeric
// values fall back to def with a warning.
func (s *Service) Int64(ctx context.Context, key string, def int64) (int64, error) {
	e, err := s.lookup(ctx, key)
	if err != nil {
		return def, err
	}
	if !e.Found || strings.TrimSpace(e.Value) == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(e.Value), 10, 64)
	if err != nil {
		s.logger.Warn("setting is not an integer", slog.String("key", key), slog.String("value", e.Value))
		return def, nil
	}
	return v, nil
}

func (s *Service) lookup(ctx context.Context, key string) (entry, error) {
	section, name, ok := strings.Cut(key, ".")
	if !ok || section == "" || name == "" {
		return entry{}, fmt.Errorf("settings: malformed key %q", key)
	}
	res, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.cache.fetch(ctx, key, func(ctx context.Context) (entry, error) {
			value, found, err := s.store.Lookup(ctx, section, name)
			if err != nil {
				return entry{}, fmt.Errorf("settings: lookup %s: %w", key, err)
			}
			return entry{Value: value, Found: found}, nil
		})
	})
	if err != nil {
		return entry{}, err
	}
	return res.(entry), nil
}
