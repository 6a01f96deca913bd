package app

import (
	"fmt"
	"strings"
	"time"

	"pillpal/internal/config"
	"pillpal/internal/repository"
	"pillpal/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "none":
		return storage.Config{}, fmt.Errorf("storage.driver: prescriptions need a store; %q is not allowed", sc.Driver)
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, Table: strings.TrimSpace(sc.Table), BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		return storage.Config{
			Driver:   "postgres",
			DSN:      strings.TrimSpace(sc.DSN),
			Table:    strings.TrimSpace(sc.Table),
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRepositoryOptions(cfg *config.Config) (repository.Options, error) {
	var raw string
	if cfg != nil {
		raw = cfg.Storage.OpTimeout
	}
	timeout, err := config.ParseDurationOrDefault("storage.op_timeout", raw, repository.DefaultTimeout)
	if err != nil {
		return repository.Options{}, err
	}
	return repository.Options{Timeout: timeout}, nil
}
