package storage

import (
	"errors"
	"fmt"
	"strings"

	"commdispatch/internal/comm"
	logx "commdispatch/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func nonNilAttrs(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}

func orderedMediums(set map[comm.Medium]bool) []comm.Medium {
	out := make([]comm.Medium, 0, len(set))
	for _, m := range comm.Mediums {
		if set[m] {
			out = append(out, m)
		}
	}
	return out
}

// segmentsInOrder returns segments in the order ids lists them; a missing id
// is ErrNotFound.
func segmentsInOrder(ids []int64, byID map[int64]comm.Segment) ([]comm.Segment, error) {
	out := make([]comm.Segment, 0, len(ids))
	for _, id := range ids {
		seg, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("segment %d: %w", id, ErrNotFound)
		}
		out = append(out, seg)
	}
	return out, nil
}
