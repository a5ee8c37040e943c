// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package recovery

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/luxfi/swarmbft/crypto/database"
)

// levelDatabase adapts *leveldb.DB to the teacher's
// crypto/database.Database interface, grounded on the
// tos-network-gtos/tosdb/leveldb wrapper pattern (leveldb.Open over a
// storage.Storage, Reader/Writer/Batch split).
type levelDatabase struct {
	db *leveldb.DB
}

// NewLevelDB opens (creating if absent) a disk-backed recovery log at
// path.
func NewLevelDB(path string) (Log, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return newStore(&levelDatabase{db: ldb}), nil
}

// NewMemoryLog opens an in-memory recovery log, matching the teacher's
// dbtest habit of running the same suite over storage.NewMemStorage()
// instead of a disk file — used by tests and ephemeral nodes.
func NewMemoryLog() (Log, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(&levelDatabase{db: ldb}), nil
}

func (d *levelDatabase) Has(key []byte) (bool, error) { return d.db.Has(key, nil) }
func (d *levelDatabase) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return v, err
}
func (d *levelDatabase) Put(key, value []byte) error { return d.db.Put(key, value, nil) }
func (d *levelDatabase) Delete(key []byte) error      { return d.db.Delete(key, nil) }
func (d *levelDatabase) Close() error                 { return d.db.Close() }

func (d *levelDatabase) NewBatch() database.Batch {
	return &levelBatch{db: d.db, batch: new(leveldb.Batch)}
}

// NewRangeIterator satisfies the store's rangeScanner capability,
// yielding every key in [prefix, prefix+0xff...) in lexicographic
// order (§4.6's replay-by-prefix requirement).
func (d *levelDatabase) NewRangeIterator(prefix []byte) iterator {
	it := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	return &levelIterator{it: it}
}

// levelIterator adapts goleveldb's iterator.Iterator to this package's
// minimal iterator contract (defined in store.go).
type levelIterator struct {
	it interface {
		Next() bool
		Key() []byte
		Value() []byte
		Release()
	}
}

func (l *levelIterator) Next() bool    { return l.it.Next() }
func (l *levelIterator) Key() []byte   { return append([]byte(nil), l.it.Key()...) }
func (l *levelIterator) Value() []byte { return append([]byte(nil), l.it.Value()...) }
func (l *levelIterator) Release()      { l.it.Release() }

type levelBatch struct {
	db    *leveldb.DB
	batch *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) error {
	b.batch.Put(key, value)
	return nil
}
func (b *levelBatch) Delete(key []byte) error {
	b.batch.Delete(key)
	return nil
}
func (b *levelBatch) Size() int  { return b.batch.Len() }
func (b *levelBatch) Write() error { return b.db.Write(b.batch, nil) }
func (b *levelBatch) Reset()       { b.batch.Reset() }

// Replay is not implemented for levelBatch: it writes nothing to w and
// returns nil.
func (b *levelBatch) Replay(w database.Writer) error {
	return nil
}

var _ database.Database = (*levelDatabase)(nil)
var _ database.Batch = (*levelBatch)(nil)
