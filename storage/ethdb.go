package storage

import (
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// keyValueStore adapts an open goleveldb handle to go-ethereum's
// ethdb.KeyValueStore so it can back a triedb node store. The adapter shares
// the handle owned by LevelDB and never closes it; lifecycle stays with the
// wrapping LevelDB.
type keyValueStore struct {
	db *leveldb.DB
}

func newKeyValueStore(db *leveldb.DB) *keyValueStore {
	return &keyValueStore{db: db}
}

func (s *keyValueStore) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *keyValueStore) Get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *keyValueStore) Put(key []byte, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *keyValueStore) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// DeleteRange removes every key in [start, end). LevelDB has no native range
// tombstone, so the range is iterated and deleted in a single batch.
func (s *keyValueStore) DeleteRange(start, end []byte) error {
	it := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(it.Key())
	}
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *keyValueStore) NewBatch() ethdb.Batch {
	return &kvBatch{db: s.db, b: new(leveldb.Batch)}
}

func (s *keyValueStore) NewBatchWithSize(size int) ethdb.Batch {
	return &kvBatch{db: s.db, b: leveldb.MakeBatch(size)}
}

func (s *keyValueStore) NewIterator(prefix []byte, start []byte) ethdb.Iterator {
	return &kvIterator{it: s.db.NewIterator(bytesPrefixRange(prefix, start), nil)}
}

func (s *keyValueStore) Stat() (string, error) {
	return s.db.GetProperty("leveldb.stats")
}

// SyncKeyValue flushes the write-ahead log by issuing an empty synchronous
// write.
func (s *keyValueStore) SyncKeyValue() error {
	return s.db.Write(new(leveldb.Batch), &opt.WriteOptions{Sync: true})
}

func (s *keyValueStore) Compact(start []byte, limit []byte) error {
	return s.db.CompactRange(util.Range{Start: start, Limit: limit})
}

// Close is a no-op; the owning LevelDB closes the shared handle.
func (s *keyValueStore) Close() error {
	return nil
}

// bytesPrefixRange returns a goleveldb range covering all keys with the given
// prefix, beginning at start within that prefix.
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

type kvBatch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *kvBatch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *kvBatch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *kvBatch) DeleteRange(start, end []byte) error {
	it := b.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer it.Release()
	for it.Next() {
		b.b.Delete(it.Key())
		b.size += len(it.Key())
	}
	return it.Error()
}

func (b *kvBatch) ValueSize() int {
	return b.size
}

func (b *kvBatch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *kvBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

// Replay replays the batch contents into the given writer.
func (b *kvBatch) Replay(w ethdb.KeyValueWriter) error {
	replayer := &batchReplayer{writer: w}
	if err := b.b.Replay(replayer); err != nil {
		return err
	}
	return replayer.failure
}

// batchReplayer bridges goleveldb's batch replay callbacks to an
// ethdb.KeyValueWriter.
type batchReplayer struct {
	writer  ethdb.KeyValueWriter
	failure error
}

func (r *batchReplayer) Put(key, value []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Put(key, value)
}

func (r *batchReplayer) Delete(key []byte) {
	if r.failure != nil {
		return
	}
	r.failure = r.writer.Delete(key)
}

type kvIterator struct {
	it iterator.Iterator
}

func (i *kvIterator) Next() bool {
	return i.it.Next()
}

func (i *kvIterator) Error() error {
	return i.it.Error()
}

func (i *kvIterator) Key() []byte {
	return i.it.Key()
}

func (i *kvIterator) Value() []byte {
	return i.it.Value()
}

func (i *kvIterator) Release() {
	i.it.Release()
}
