package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"dlog/internal/config"
	"dlog/pkg/types"
)

// initConfig loads the YAML config file. A missing file falls back to
// config.Default().
func initConfig(path string) (config.Config, error) {
	var cfg config.Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// initLogger configures the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) {
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// parseCopySet splits "node-id=addr" entries into the replica id list and
// the id→address map used by the transport. The self entry may carry an
// empty address.
func parseCopySet(entries []string) ([]types.NodeID, map[types.NodeID]string, error) {
	ids := make([]types.NodeID, 0, len(entries))
	addrs := make(map[types.NodeID]string, len(entries))

	for _, entry := range entries {
		id, addr, found := strings.Cut(entry, "=")
		if !found || id == "" {
			return nil, nil, fmt.Errorf("invalid copy set entry %q, want node-id=addr", entry)
		}
		nodeID := types.NodeID(id)
		ids = append(ids, nodeID)
		if addr != "" {
			addrs[nodeID] = addr
		}
	}
	return ids, addrs, nil
}
