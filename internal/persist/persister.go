package persist

import (
	"context"

	"github.com/vitalog/datalayer/internal/cache"
	"github.com/vitalog/datalayer/pkg/clock"
	"github.com/vitalog/datalayer/pkg/utils"
)

// BlobPersister stores the cache as one snapshot blob in a Store.
type BlobPersister struct {
	store    Store
	compress bool
	clock    clock.Clock
	logger   *utils.StructuredLogger
}

// NewBlobPersister wraps store. A nil clock uses the system clock.
func NewBlobPersister(store Store, compress bool, clk clock.Clock, logger *utils.StructuredLogger) *BlobPersister {
	if logger == nil {
		logger = utils.NewDefaultLogger("persist")
	}
	return &BlobPersister{
		store:    store,
		compress: compress,
		clock:    clock.OrReal(clk),
		logger:   logger,
	}
}

// Store returns the underlying store.
func (p *BlobPersister) Store() Store {
	return p.store
}

// Load returns the persisted entries. A missing snapshot yields none.
func (p *BlobPersister) Load(ctx context.Context) ([]cache.PersistedEntry, error) {
	snap, err := ReadSnapshot(ctx, p.store)
	if err != nil {
		return nil, err
	}
	return snap.Entries, nil
}

// Save writes entries as a new snapshot.
func (p *BlobPersister) Save(ctx context.Context, entries []cache.PersistedEntry) error {
	data, err := Encode(Snapshot{
		Version: SnapshotVersion,
		SavedAt: p.clock.Now().UTC(),
		Entries: entries,
	}, p.compress)
	if err != nil {
		return err
	}
	if err := p.store.Save(ctx, data); err != nil {
		return err
	}
	p.logger.Debug("snapshot saved", map[string]interface{}{
		"location":   p.store.Location(),
		"entries":    len(entries),
		"bytes":      len(data),
		"compressed": p.compress,
	})
	return nil
}

// ReadSnapshot loads and decodes the snapshot held by store.
func ReadSnapshot(ctx context.Context, store Store) (Snapshot, error) {
	data, err := store.Load(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(data)
}

// Clear replaces the stored snapshot with an empty one.
func Clear(ctx context.Context, store Store, compress bool, clk clock.Clock) error {
	data, err := Encode(Snapshot{
		Version: SnapshotVersion,
		SavedAt: clock.OrReal(clk).Now().UTC(),
	}, compress)
	if err != nil {
		return err
	}
	return store.Save(ctx, data)
}
