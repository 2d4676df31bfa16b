package storage

import (
	"context"
	"fmt"
)

const (
	DriverMemory   = "memory"
	DriverDir      = "dir"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver string
	Dir    string
	DSN    string
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewMemStore(), nil
	case DriverDir:
		return NewDirStore(opts.Dir)
	case DriverSQLite:
		return OpenSQLite(ctx, opts.DSN)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", opts.Driver)
	}
}
