package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/store/memstore"
	"github.com/endeavourhealth/transforms/internal/store/pgstore"
	"github.com/endeavourhealth/transforms/internal/store/sqlitestore"
)

// openStore opens the store named by target: "memory", "sqlite:<path>" or a
// postgres:// URL.
func openStore(ctx context.Context, target string) (core.Store, error) {
	switch {
	case target == "" || target == "memory":
		return memstore.New(), nil

	case strings.HasPrefix(target, "sqlite:"):
		path := strings.TrimPrefix(target, "sqlite:")
		if path == "" {
			return nil, errors.New("sqlite store needs a path, e.g. sqlite:ingest.db")
		}
		st, err := sqlitestore.Open(path)
		if err != nil {
			return nil, err
		}
		return st, nil

	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		// One run at a time; a small pool is plenty.
		st, err := pgstore.Open(ctx, pgstore.Config{URL: target, MaxConns: 4, MinConns: 1})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store %q: want memory, sqlite:<path> or a postgres URL", target)
}
