package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/fedstandalone/pkg/metrics"
)

// bucketName is the one bucket every partition file holds. Partitions never
// need more than one namespace of keys, so there is no per-table bucket
// fan-out.
var bucketName = []byte("p")

// openRetries and openRetryDelay bound the retry loop in Open: a concurrent
// writer creating the partition's parent directory can race a reader that
// starts first, and the reader backs off until the path exists.
const (
	openRetries    = 100
	openRetryDelay = 10 * time.Millisecond
)

// Env wraps one partition's bbolt database.
type Env struct {
	db   *bolt.DB
	path string
}

// Open opens (creating if absent) the partition database at
// root/namespace/name/<partition>.db.
func Open(root, namespace, name string, partition int) (*Env, error) {
	return OpenNamed(root, namespace, name, strconv.Itoa(partition))
}

// OpenNamed is Open generalized to an arbitrary partition id string, used for
// the shuffle-write intermediates in pkg/table, whose "partitions" are named
// "<src>_<dst>" rather than a plain integer. The directory is created first
// so a bare bolt.Open never fails with ENOENT on first use.
func OpenNamed(root, namespace, name, partitionID string) (*Env, error) {
	dir := filepath.Join(root, namespace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create partition dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, partitionID+".db")

	var (
		db  *bolt.DB
		err error
	)
	for attempt := 0; attempt < openRetries; attempt++ {
		db, err = bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
		if err == nil {
			break
		}
		if errors.Is(err, os.ErrNotExist) {
			time.Sleep(openRetryDelay)
			continue
		}
		openErr := fmt.Errorf("storage: open %s: %w", path, err)
		metrics.StorageFailed(openErr)
		return nil, openErr
	}
	if err != nil {
		openErr := fmt.Errorf("storage: open %s: no such file or directory after %d retries: %w", path, openRetries, err)
		metrics.StorageFailed(openErr)
		return nil, openErr
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		initErr := fmt.Errorf("storage: init bucket %s: %w", path, err)
		metrics.StorageFailed(initErr)
		return nil, initErr
	}

	metrics.StorageServing(root)
	return &Env{db: db, path: path}, nil
}

// Close releases the underlying database file.
func (e *Env) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Path returns the filesystem path of the partition file, for diagnostics.
func (e *Env) Path() string { return e.path }

// DB exposes the underlying bbolt database for callers that need a
// transaction to outlive a single method call, such as the heap-merge scan
// across many partitions in pkg/table.Collect. BucketName names the single
// bucket every partition holds.
func (e *Env) DB() *bolt.DB { return e.db }
func BucketName() []byte    { return bucketName }

// Put writes a single key/value pair in its own transaction.
func (e *Env) Put(key, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

// PutBatch writes every pair in kvs within one transaction, all-or-nothing.
func (e *Env) PutBatch(kvs [][2][]byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		for _, kv := range kvs {
			if err := b.Put(kv[0], kv[1]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads the value for key, returning (nil, false) if absent. The returned
// slice is copied out of the read transaction and safe to retain.
func (e *Env) Get(key []byte) ([]byte, bool, error) {
	var (
		value []byte
		found bool
	)
	err := e.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return nil
		}
		found = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, found, err
}

// Delete removes key if present; deleting an absent key is a no-op.
func (e *Env) Delete(key []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// Count returns the number of keys in the partition.
func (e *Env) Count() (int, error) {
	n := 0
	err := e.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// ForEach iterates every key/value pair in key order within a single read
// transaction, stopping early if fn returns an error.
func (e *Env) ForEach(fn func(key, value []byte) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(fn)
	})
}

// Cursor runs fn with a live cursor positioned at the bucket's first entry,
// inside a single read transaction. fn drives iteration with the cursor's own
// First/Next/Seek methods; this is the primitive the heap-merge collect in
// pkg/table builds on.
func (e *Env) Cursor(fn func(c *bolt.Cursor) error) error {
	return e.db.View(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(bucketName).Cursor())
	})
}

// DropTable removes every partition file for a table by deleting its
// directory wholesale.
func DropTable(root, namespace, name string) error {
	dir := filepath.Join(root, namespace, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: drop table dir %s: %w", dir, err)
	}
	return nil
}

// DropNamespace removes every table directory under namespace, used by
// Session.Cleanup's name == "*" case to sweep an entire session's tables at
// once.
func DropNamespace(root, namespace string) error {
	dir := filepath.Join(root, namespace)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("storage: drop namespace dir %s: %w", dir, err)
	}
	return nil
}

// DropTablesMatching removes every table directory under namespace whose
// name matches the shell glob pattern, backing Session.Cleanup's selective
// sweep.
func DropTablesMatching(root, namespace, pattern string) error {
	dir := filepath.Join(root, namespace)
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return fmt.Errorf("storage: glob %s in %s: %w", pattern, dir, err)
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return fmt.Errorf("storage: drop table dir %s: %w", m, err)
		}
	}
	return nil
}
