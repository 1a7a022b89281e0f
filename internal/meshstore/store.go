// Package meshstore serves compartment mesh assets from a filesystem directory, an S3
// bucket or memory. Keys are slash separated paths such as "ccf2017/997.obj".
package meshstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when a mesh does not exist.
var ErrNotFound = errors.New("mesh not found")

// Driver identifies a storage backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Store is a read-mostly blob store of mesh files.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and configures a driver.
type Config struct {
	Driver Driver

	// Root is the base directory of the fs driver.
	Root string

	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// Open constructs the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg)
	case DriverMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported mesh driver %q", cfg.Driver)
}

// CleanKey rejects keys that are empty, absolute or escape the store root.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid key %q contains '..'", key)
		}
	}
	return path.Clean(key), nil
}
