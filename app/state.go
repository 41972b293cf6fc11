package app

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/repository"
	"github.com/dgraph-io/badger/v4"
)

// Badger keys
var (
	lastBlockHeightKey  = []byte("last_block_height")
	lastBlockAppHashKey = []byte("last_block_app_hash")
	rolesKey            = []byte("roles")
	nextLotKey          = []byte("meta:next_lot")
	lotPrefix           = []byte("lot:")
)

func lotKey(number uint64) []byte {
	return []byte(fmt.Sprintf("lot:%020d", number))
}

func txKey(txID string) []byte {
	return []byte("tx:" + txID)
}

func statusKey(txID string) []byte {
	return []byte("status:" + txID)
}

// persistChanges writes the lots and roles touched by the block into the
// ongoing badger transaction and records them in batch. It returns the
// written key/value pairs in write order.
func (app *Application) persistChanges(batch *repository.Batch) ([][]byte, error) {
	changes := app.ledger.TakeChanges()
	var writes [][]byte

	set := func(key []byte, v interface{}) error {
		val, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := app.onGoingBlock.Set(key, val); err != nil {
			return err
		}
		writes = append(writes, key, val)
		return nil
	}

	if changes.Roles {
		assignments := app.ledger.ListAssignments()
		if assignments == nil {
			assignments = []ledger.RoleAssignment{}
		}
		if err := set(rolesKey, assignments); err != nil {
			return nil, fmt.Errorf("storing roles: %w", err)
		}
		batch.Roles = assignments
	}

	if len(changes.Lots) > 0 {
		records, err := app.ledger.Records(changes.Lots...)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if err := set(lotKey(rec.LotNumber), rec); err != nil {
				return nil, fmt.Errorf("storing lot %d: %w", rec.LotNumber, err)
			}
		}
		next := int64(app.ledger.Factory().Len() + 1)
		if err := app.onGoingBlock.Set(nextLotKey, int64ToBytes(next)); err != nil {
			return nil, err
		}
		batch.Lots = records
	}

	return writes, nil
}

func (app *Application) lastBlock() (int64, []byte, error) {
	lastBlockHeight := int64(0)
	var lastBlockAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastBlockHeightKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		err = item.Value(func(val []byte) error {
			lastBlockHeight = bytesToInt64(val)
			return nil
		})
		if err != nil {
			return err
		}

		item, err = txn.Get(lastBlockAppHashKey)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		lastBlockAppHash, err = item.ValueCopy(nil)
		return err
	})
	return lastBlockHeight, lastBlockAppHash, err
}

// LoadState rebuilds the in-memory ledger from the last committed block.
// A fresh database leaves the ledger untouched for InitChain.
func (app *Application) LoadState() error {
	height, appHash, err := app.lastBlock()
	if err != nil {
		return fmt.Errorf("reading last block: %w", err)
	}

	var roles []ledger.RoleAssignment
	var records []ledger.LotRecord
	next := int64(1)
	err = app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nextLotKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				next = bytesToInt64(val)
				return nil
			}); err != nil {
				return err
			}
		}

		item, err = txn.Get(rolesKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &roles) }); err != nil {
				return fmt.Errorf("decoding roles: %w", err)
			}
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = lotPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec ledger.LotRecord
			err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
			if err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if height == 0 && roles == nil && len(records) == 0 {
		return nil
	}
	if next != int64(len(records)+1) {
		return fmt.Errorf("lot counter expects %d lots, %d stored", next-1, len(records))
	}
	if err := app.ledger.Restore(roles, records); err != nil {
		return fmt.Errorf("restoring ledger: %w", err)
	}

	app.mu.Lock()
	app.appHash = appHash
	app.mu.Unlock()
	app.height.Store(height)
	app.metrics.BlockCommitted(height)
	app.logger.Info("Ledger state loaded", "height", height, "lots", len(records), "roles", len(roles))
	return nil
}

// SnapshotBatch returns a projection batch holding the full ledger state at
// the last committed height, used to resync the reporting database.
func (app *Application) SnapshotBatch() (*repository.Batch, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	records, err := app.ledger.Records()
	if err != nil {
		return nil, err
	}
	roles := app.ledger.ListAssignments()
	if roles == nil {
		roles = []ledger.RoleAssignment{}
	}
	return &repository.Batch{
		Height: app.height.Load(),
		Lots:   records,
		Roles:  roles,
	}, nil
}
