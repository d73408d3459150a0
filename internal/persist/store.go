package persist

import (
	"context"
	"fmt"

	"github.com/vitalog/datalayer/internal/config"
	"github.com/vitalog/datalayer/pkg/errors"
)

// Store holds one opaque blob. Load returns nil data and no error when
// nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Close() error
	// Location describes where the blob lives, for logs and the CLI.
	Location() string
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.PersistenceConfig) (Store, error) {
	key := cfg.Key
	if key == "" {
		key = "query-cache"
	}

	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Path, key)
	case "badger":
		return OpenBadgerStore(BadgerOptions{Path: cfg.Path, Key: key})
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Key:             key,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

func readError(store Store, err error) error {
	return errors.NewError(errors.ErrCodePersistRead, "failed to load snapshot").
		WithComponent("persist").
		WithDetail("location", store.Location()).
		WithCause(err)
}

func writeError(store Store, err error) error {
	return errors.NewError(errors.ErrCodePersistWrite, "failed to save snapshot").
		WithComponent("persist").
		WithDetail("location", store.Location()).
		WithCause(err)
}
