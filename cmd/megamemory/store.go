package main

import (
	"context"
	"fmt"
	"os"

	"github.com/megamemory/core/internal/config"
	"github.com/megamemory/core/internal/store"
)

// openProjectStore resolves the project's config sidecar under
// config.DirName (relative to the current working directory) and opens
// the store it points at.
func openProjectStore(ctx context.Context) (*store.Store, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}
	dir := cwd + string(os.PathSeparator) + config.DirName

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	path := config.ResolveDBPath(dir, cfg)
	return store.Open(ctx, path)
}

func openStoreAtPath(ctx context.Context, path string) (*store.Store, error) {
	return store.Open(ctx, path)
}
