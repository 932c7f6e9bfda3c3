package storage

import (
	"strings"

	"github.com/pkg/errors"

	logx "notifyd/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	default:
		return nil, errors.Errorf("unknown storage driver: %s", driver)
	}
}
