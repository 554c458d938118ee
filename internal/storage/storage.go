package storage

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"printlapse/pkg/types"
)

const timelapseConfigKey = "config:timelapse"

type PersistentStore struct {
	db *badger.DB
}

func New(dataDir string) (*PersistentStore, error) {
	if dataDir == "" {
		dataDir = "./printlapseData"
	}

	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil // Disable BadgerDB logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open BadgerDB")
	}

	return &PersistentStore{
		db: db,
	}, nil
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}

// GetTimelapseConfig returns the persisted timelapse configuration, or nil if
// none was saved yet
func (s *PersistentStore) GetTimelapseConfig() (*types.TimelapseConfig, error) {
	var cfg *types.TimelapseConfig

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(timelapseConfigKey))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			cfg = &types.TimelapseConfig{}
			return json.Unmarshal(val, cfg)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get timelapse config")
	}

	return cfg, nil
}

func (s *PersistentStore) SetTimelapseConfig(cfg types.TimelapseConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal timelapse config")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(timelapseConfigKey), data)
	})
}

func (s *PersistentStore) DeleteTimelapseConfig() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(timelapseConfigKey))
	})
}

// RunGarbageCollection compacts the value log. badger.ErrNoRewrite only means
// there was nothing to reclaim.
func (s *PersistentStore) RunGarbageCollection() error {
	err := s.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}
