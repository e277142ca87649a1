package cache

import (
	"context"
	"time"

	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

const (
	defaultMigrationBatch = 100
	migrationLogEvery     = 1000
)

// MigrationError records one key that could not be moved.
type MigrationError struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// MigrationProgress reports a data migration between two instances.
type MigrationProgress struct {
	TotalKeys    int    `json:"totalKeys"`
	MigratedKeys int    `json:"migratedKeys"`
	FailedKeys   int    `json:"failedKeys"`
	SkippedKeys  int    `json:"skippedKeys"`
	CurrentKey   string `json:"currentKey,omitempty"`
	// EstimatedTimeRemaining is in seconds.
	EstimatedTimeRemaining float64          `json:"estimatedTimeRemaining"`
	StartTime              time.Time        `json:"startTime"`
	Errors                 []MigrationError `json:"errors"`
}

func (p *MigrationProgress) processed() int {
	return p.MigratedKeys + p.FailedKeys + p.SkippedKeys
}

func (p *MigrationProgress) fail(err *fleeterrors.FleetError, key string) {
	p.FailedKeys++
	p.Errors = append(p.Errors, MigrationError{Key: key, Error: err.Error()})
}

// MigrateData moves every key matching pattern from source to target in
// batches, preserving TTLs. A key is deleted from source only after its
// restore on target is confirmed; keys that already exist on target fail.
func (f *Facade) MigrateData(ctx context.Context, sourceID, targetID, pattern string, batchSize int) (MigrationProgress, error) {
	progress := MigrationProgress{StartTime: f.now(), Errors: []MigrationError{}}

	src, ok := f.registry.Instance(sourceID)
	if !ok {
		return progress, fleeterrors.NewInstanceNotFoundError(sourceID).WithComponent("migration")
	}
	tgt, ok := f.registry.Instance(targetID)
	if !ok {
		return progress, fleeterrors.NewInstanceNotFoundError(targetID).WithComponent("migration")
	}
	if sourceID == targetID {
		return progress, fleeterrors.NewValidationError("source and target must differ")
	}
	if pattern == "" {
		pattern = "*"
	}
	if batchSize <= 0 {
		batchSize = defaultMigrationBatch
	}

	keys, err := scanAll(ctx, src, pattern, int64(batchSize))
	if err != nil {
		f.logger.Error("Migration failed", map[string]interface{}{"source": sourceID, "error": err.Error()})
		return progress, err
	}
	progress.TotalKeys = len(keys)

	f.logger.Info("Starting migration", map[string]interface{}{
		"source": sourceID, "target": targetID, "keys": len(keys), "pattern": pattern,
	})

	lastLogged := 0
	for i := 0; i < len(keys); i += batchSize {
		if err := ctx.Err(); err != nil {
			return progress, err
		}
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]
		progress.CurrentKey = batch[0]

		f.migrateBatch(ctx, src, tgt, batch, &progress)

		processed := progress.processed()
		if elapsed := f.elapsedSeconds(progress.StartTime); elapsed > 0 && processed > 0 {
			rate := float64(processed) / elapsed
			progress.EstimatedTimeRemaining = float64(progress.TotalKeys-processed) / rate
		}
		if processed-lastLogged >= migrationLogEvery {
			lastLogged = processed
			f.logger.Info("Migration progress", map[string]interface{}{
				"processed": processed, "total": progress.TotalKeys,
			})
		}
	}
	progress.CurrentKey = ""
	progress.EstimatedTimeRemaining = 0

	f.logger.Info("Migration completed", map[string]interface{}{
		"source":   sourceID,
		"target":   targetID,
		"migrated": progress.MigratedKeys,
		"failed":   progress.FailedKeys,
		"skipped":  progress.SkippedKeys,
	})
	return progress, nil
}

// migrateBatch runs the dump, restore and delete pipelines for one batch.
func (f *Facade) migrateBatch(ctx context.Context, src, tgt *registry.Instance, batch []string, progress *MigrationProgress) {
	keyErr := func(key, stage string, cause error) *fleeterrors.FleetError {
		return fleeterrors.NewMigrationKeyError(key, src.ID(), tgt.ID(), stage, cause)
	}

	reads := make([]registry.Command, 0, len(batch)*2)
	for _, key := range batch {
		reads = append(reads,
			registry.Command{Kind: registry.CmdDump, Key: key},
			registry.Command{Kind: registry.CmdPTTL, Key: key})
	}
	dumped, err := src.Exec(ctx, reads)
	if err != nil {
		for _, key := range batch {
			progress.fail(keyErr(key, "dump", err), key)
		}
		return
	}

	restoreKeys := make([]string, 0, len(batch))
	restores := make([]registry.Command, 0, len(batch))
	for j, key := range batch {
		dump, pttl := dumped[j*2], dumped[j*2+1]
		switch {
		case dump.Err != nil:
			progress.fail(keyErr(key, "dump", dump.Err), key)
			continue
		case pttl.Err != nil:
			progress.fail(keyErr(key, "pttl", pttl.Err), key)
			continue
		case !dump.Found || pttl.TTL == -2:
			// Expired or deleted since the scan.
			progress.SkippedKeys++
			continue
		}
		ttl := pttl.TTL
		if ttl < 0 {
			ttl = 0
		}
		restoreKeys = append(restoreKeys, key)
		restores = append(restores, registry.Command{
			Kind: registry.CmdRestore, Key: key, TTL: ttl, Payload: dump.Value,
		})
	}
	if len(restores) == 0 {
		return
	}

	restored, err := tgt.Exec(ctx, restores)
	if err != nil {
		for _, key := range restoreKeys {
			progress.fail(keyErr(key, "restore", err), key)
		}
		return
	}

	confirmed := make([]string, 0, len(restoreKeys))
	deletes := make([]registry.Command, 0, len(restoreKeys))
	for j, key := range restoreKeys {
		if restored[j].Err != nil {
			progress.fail(keyErr(key, "restore", restored[j].Err), key)
			continue
		}
		confirmed = append(confirmed, key)
		deletes = append(deletes, registry.Command{Kind: registry.CmdDel, Key: key})
	}
	if len(deletes) == 0 {
		return
	}

	deleted, err := src.Exec(ctx, deletes)
	if err != nil {
		for _, key := range confirmed {
			progress.fail(keyErr(key, "delete", err), key)
		}
		return
	}
	for j, key := range confirmed {
		if deleted[j].Err != nil {
			progress.fail(keyErr(key, "delete", deleted[j].Err), key)
			continue
		}
		progress.MigratedKeys++
	}
}

// scanAll collects every key matching pattern, without duplicates.
func scanAll(ctx context.Context, inst *registry.Instance, pattern string, count int64) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		page, next, err := inst.Scan(ctx, cursor, pattern, count)
		if err != nil {
			return nil, err
		}
		for _, k := range page {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
