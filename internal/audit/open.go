package audit

import (
	"fmt"

	"secureflow/internal/config"
)

// Open returns the store selected by cfg.Driver.
func Open(cfg config.AuditConfig) (Store, error) {
	switch cfg.Driver {
	case "", "jsonl":
		s, err := NewJSONLStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown audit driver %q", cfg.Driver)
}
