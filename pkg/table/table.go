// Package table implements the partitioned key-value table: point
// operations, ordered collection, reduce, MapReducePartitionsWithIndex in
// its three execution modes, and the binary operations join/union/
// subtract-by-key. Every multi-partition compute operation fans out across a
// worker.Pool; point operations and ordered collection run directly against
// pkg/storage in the calling process, since only user functions need the
// process isolation the pool provides.
package table

import (
	"container/heap"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fedstandalone/pkg/catalog"
	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/storage"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

// Table is a handle to a partitioned collection of key/value byte pairs. A
// Table is cheap to construct and holds no open file handles of its own:
// every operation opens the partition env(s) it needs and closes them again.
type Table struct {
	root        string
	pool        *worker.Pool
	cat         *catalog.Catalog
	namespace   string
	name        string
	partitions  int
	needCleanup bool

	keySerdes       catalog.SerdesType
	valueSerdes     catalog.SerdesType
	partitionerType catalog.PartitionerType
	partitioner     funcreg.PartitionerRef
}

// Options configures a new or loaded Table's catalog-facing identity.
type Options struct {
	Partitions      int
	KeySerdes       catalog.SerdesType
	ValueSerdes     catalog.SerdesType
	PartitionerType catalog.PartitionerType
	Partitioner     funcreg.PartitionerRef
	NeedCleanup     bool
}

// New wraps an already-cataloged table. Callers outside this package are
// expected to go through pkg/session, which owns the catalog and worker pool
// this constructor requires.
func New(root string, pool *worker.Pool, cat *catalog.Catalog, namespace, name string, opts Options) *Table {
	return &Table{
		root:            root,
		pool:            pool,
		cat:             cat,
		namespace:       namespace,
		name:            name,
		partitions:      opts.Partitions,
		needCleanup:     opts.NeedCleanup,
		keySerdes:       opts.KeySerdes,
		valueSerdes:     opts.ValueSerdes,
		partitionerType: opts.PartitionerType,
		partitioner:     opts.Partitioner,
	}
}

func (t *Table) Namespace() string                        { return t.namespace }
func (t *Table) Name() string                             { return t.name }
func (t *Table) Partitions() int                          { return t.partitions }
func (t *Table) KeySerdesType() catalog.SerdesType        { return t.keySerdes }
func (t *Table) ValueSerdesType() catalog.SerdesType      { return t.valueSerdes }
func (t *Table) PartitionerType() catalog.PartitionerType { return t.partitionerType }

func (t *Table) String() string {
	return fmt.Sprintf("<Table %s|%s|%d|%t>", t.namespace, t.name, t.partitions, t.needCleanup)
}

func (t *Table) openPartition(p int) (*storage.Env, error) {
	return storage.Open(t.root, t.namespace, t.name, p)
}

func (t *Table) partitionFor(key []byte) (int, error) {
	part, err := t.partitioner.Resolve()
	if err != nil {
		return 0, err
	}
	return part(key, t.partitions), nil
}

// Put writes a single key/value pair, routed to its owning partition.
func (t *Table) Put(key, value []byte) error {
	p, err := t.partitionFor(key)
	if err != nil {
		return err
	}
	env, err := t.openPartition(p)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.Put(key, value)
}

// PutAll writes every pair, batched by destination partition so each
// partition commits exactly one transaction. Every pair is routed before
// anything is written, so a partitioner error writes nothing. A storage error
// aborts the call and rolls back the failing partition's batch only; batches
// already committed to other partitions stay written.
func (t *Table) PutAll(pairs []funcreg.Pair) error {
	byPartition := make(map[int][][2][]byte)
	for _, pair := range pairs {
		p, err := t.partitionFor(pair.Key)
		if err != nil {
			return err
		}
		byPartition[p] = append(byPartition[p], [2][]byte{pair.Key, pair.Value})
	}

	for p, kvs := range byPartition {
		env, err := t.openPartition(p)
		if err != nil {
			return fmt.Errorf("table: put_all open partition %d: %w", p, err)
		}
		err = env.PutBatch(kvs)
		_ = env.Close()
		if err != nil {
			return fmt.Errorf("table: put_all partition %d: %w", p, err)
		}
	}
	return nil
}

// Get reads the value for key, returning (nil, false) if absent.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	p, err := t.partitionFor(key)
	if err != nil {
		return nil, false, err
	}
	env, err := t.openPartition(p)
	if err != nil {
		return nil, false, err
	}
	defer env.Close()
	return env.Get(key)
}

// Delete removes key if present.
func (t *Table) Delete(key []byte) error {
	p, err := t.partitionFor(key)
	if err != nil {
		return err
	}
	env, err := t.openPartition(p)
	if err != nil {
		return err
	}
	defer env.Close()
	return env.Delete(key)
}

// Count returns the total number of entries across every partition.
func (t *Table) Count() (int, error) {
	total := 0
	for p := 0; p < t.partitions; p++ {
		env, err := t.openPartition(p)
		if err != nil {
			return 0, err
		}
		n, err := env.Count()
		env.Close()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// cursorEntry is one partition's position in the ordered merge heap.
type cursorEntry struct {
	key, value []byte
	env        *storage.Env
	tx         *bolt.Tx
	cursor     *bolt.Cursor
}

type entryHeap []*cursorEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return string(h[i].key) < string(h[j].key) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(*cursorEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Collect returns every entry across all partitions in ascending key order,
// merged via a min-heap over one read-only cursor per partition.
func (t *Table) Collect() ([]funcreg.Pair, error) {
	var entries entryHeap
	var txs []*bolt.Tx
	var envs []*storage.Env
	defer func() {
		for _, tx := range txs {
			_ = tx.Rollback()
		}
		for _, env := range envs {
			_ = env.Close()
		}
	}()

	for p := 0; p < t.partitions; p++ {
		env, err := t.openPartition(p)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)

		// env.Cursor() scopes its read transaction to the callback, but the
		// merge needs every partition's cursor alive simultaneously, so the
		// transaction is opened directly here and rolled back in the defer
		// above instead.
		tx, err := env.DB().Begin(false)
		if err != nil {
			return nil, fmt.Errorf("table: collect begin partition %d: %w", p, err)
		}
		txs = append(txs, tx)

		c := tx.Bucket(storage.BucketName()).Cursor()
		if k, v := c.First(); k != nil {
			entries = append(entries, &cursorEntry{
				key: append([]byte(nil), k...), value: append([]byte(nil), v...),
				env: env, tx: tx, cursor: c,
			})
		}
	}

	heap.Init(&entries)

	var out []funcreg.Pair
	for entries.Len() > 0 {
		top := entries[0]
		out = append(out, funcreg.Pair{Key: top.key, Value: top.value})

		if k, v := top.cursor.Next(); k != nil {
			top.key = append([]byte(nil), k...)
			top.value = append([]byte(nil), v...)
			heap.Fix(&entries, 0)
		} else {
			heap.Pop(&entries)
		}
	}
	return out, nil
}

// Take returns the first n entries in ascending key order.
func (t *Table) Take(n int) ([]funcreg.Pair, error) {
	if n <= 0 {
		return nil, fmt.Errorf("table: take: n must be > 0, got %d", n)
	}
	all, err := t.Collect()
	if err != nil {
		return nil, err
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n], nil
}

// Destroy removes the table's catalog entry and every partition file backing
// it, regardless of whether this handle owns the table.
func (t *Table) Destroy() error {
	if err := t.cat.DestroyTable(t.namespace, t.name); err != nil {
		log.ForTable(t.namespace, t.name).Debug().Err(err).Msg("table: destroy failed")
		return err
	}
	metrics.TablesDestroyedTotal.Inc()
	return nil
}

// Close destroys the table if this handle owns it (NeedCleanup). Ownership
// is released explicitly, never by a finalizer, so callers defer Close on
// every owning handle. Non-owning handles close to a no-op. Cleanup is
// best-effort: a Destroy failure is logged at debug by Destroy and Close
// still returns nil.
func (t *Table) Close() error {
	if !t.needCleanup {
		return nil
	}
	_ = t.Destroy()
	return nil
}
