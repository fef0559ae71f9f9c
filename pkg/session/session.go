// Package session owns one engine session: its worker pool, its catalog
// handle, and the namespace tables are created under by default. A Session is
// never serialized across the worker process boundary — unlike a Table's
// funcreg.Ref fields, nothing about a Session crosses the re-exec pipe.
package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/fedstandalone/pkg/catalog"
	"github.com/cuemby/fedstandalone/pkg/config"
	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/storage"
	"github.com/cuemby/fedstandalone/pkg/table"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

// Session is the driver-side handle a caller holds for the lifetime of one
// computation. Its namespace (SessionID) is the default namespace for
// Parallelize output and any other table created without an explicit one.
type Session struct {
	id   string
	root string
	pool *worker.Pool
	cat  *catalog.Catalog

	stopOnce sync.Once
}

// New starts a session's worker pool and opens its catalog. id becomes the
// session's default table namespace; an empty id generates a fresh uuid.
func New(cfg config.Config, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	pool, err := worker.NewPool(cfg.WorkerCount, cfg.WorkerBinary)
	if err != nil {
		return nil, fmt.Errorf("session: start worker pool: %w", err)
	}
	metrics.SessionStarted()
	return &Session{
		id:   id,
		root: cfg.DataRoot,
		pool: pool,
		cat:  catalog.NewWithPartitions(cfg.DataRoot, cfg.CatalogPartitions),
	}, nil
}

// ID returns the session identifier used as the default table namespace.
func (s *Session) ID() string { return s.id }

// CreateTableOptions configures CreateTable beyond what table.Options covers.
type CreateTableOptions struct {
	Partitions      int
	NeedCleanup     bool
	ErrorIfExists   bool
	KeySerdes       catalog.SerdesType
	ValueSerdes     catalog.SerdesType
	PartitionerType catalog.PartitionerType
	Partitioner     funcreg.PartitionerRef
}

// CreateTable creates (or re-opens) a table under name/namespace, recording
// its shape in the catalog.
func (s *Session) CreateTable(name, namespace string, opts CreateTableOptions) (*table.Table, error) {
	if namespace == "" {
		namespace = s.id
	}
	existing, found, err := s.cat.GetTableMeta(namespace, name)
	if err != nil {
		return nil, fmt.Errorf("session: create table %s.%s: %w", name, namespace, err)
	}
	if found {
		if opts.ErrorIfExists {
			return nil, fmt.Errorf("session: table %s.%s already exists", name, namespace)
		}
		return table.New(s.root, s.pool, s.cat, namespace, name, table.Options{
			Partitions:      existing.NumPartitions,
			KeySerdes:       existing.KeySerdesType,
			ValueSerdes:     existing.ValueSerdesType,
			PartitionerType: existing.PartitionerType,
			Partitioner:     opts.Partitioner,
			NeedCleanup:     opts.NeedCleanup,
		}), nil
	}

	meta := catalog.Meta{
		NumPartitions:   opts.Partitions,
		KeySerdesType:   opts.KeySerdes,
		ValueSerdesType: opts.ValueSerdes,
		PartitionerType: opts.PartitionerType,
	}
	if err := s.cat.AddTableMeta(namespace, name, meta); err != nil {
		return nil, fmt.Errorf("session: create table %s.%s: %w", name, namespace, err)
	}
	metrics.TablePartitionsTotal.WithLabelValues(namespace, name).Set(float64(opts.Partitions))
	return table.New(s.root, s.pool, s.cat, namespace, name, table.Options{
		Partitions:      opts.Partitions,
		KeySerdes:       opts.KeySerdes,
		ValueSerdes:     opts.ValueSerdes,
		PartitionerType: opts.PartitionerType,
		Partitioner:     opts.Partitioner,
		NeedCleanup:     opts.NeedCleanup,
	}), nil
}

// Load opens a table that is expected to already exist in the catalog.
// needCleanup controls whether the returned handle destroys the table on
// Close, the same override federation.Get applies when it takes ownership of
// a table another party remoted in.
func (s *Session) Load(name, namespace string, needCleanup bool) (*table.Table, error) {
	meta, found, err := s.cat.GetTableMeta(namespace, name)
	if err != nil {
		return nil, fmt.Errorf("session: load table %s.%s: %w", name, namespace, err)
	}
	if !found {
		return nil, fmt.Errorf("session: table %s.%s not found", name, namespace)
	}
	return table.New(s.root, s.pool, s.cat, namespace, name, table.Options{
		Partitions:      meta.NumPartitions,
		KeySerdes:       meta.KeySerdesType,
		ValueSerdes:     meta.ValueSerdesType,
		PartitionerType: meta.PartitionerType,
		NeedCleanup:     needCleanup,
	}), nil
}

// Parallelize creates a new table under the session's namespace, routes every
// pair in data via partitioner, and writes them all before returning the
// table handle. The returned table always has NeedCleanup set: parallelized
// input is a throwaway intermediate, not durable state.
func (s *Session) Parallelize(data []funcreg.Pair, partitions int, partitioner funcreg.PartitionerRef, keySerdes, valueSerdes catalog.SerdesType, partitionerType catalog.PartitionerType) (*table.Table, error) {
	name := uuid.NewString()
	t, err := s.CreateTable(name, s.id, CreateTableOptions{
		Partitions:      partitions,
		NeedCleanup:     true,
		KeySerdes:       keySerdes,
		ValueSerdes:     valueSerdes,
		PartitionerType: partitionerType,
		Partitioner:     partitioner,
	})
	if err != nil {
		return nil, fmt.Errorf("session: parallelize: %w", err)
	}
	if err := t.PutAll(data); err != nil {
		return nil, fmt.Errorf("session: parallelize: %w", err)
	}
	return t, nil
}

// Cleanup removes every table matching the glob pattern name under
// namespace. name == "*" removes the whole namespace directory.
func (s *Session) Cleanup(name, namespace string) error {
	if name == "*" {
		return storage.DropNamespace(s.root, namespace)
	}
	return storage.DropTablesMatching(s.root, namespace, name)
}

// Stop sweeps the session's own namespace and shuts down its worker pool.
// Stopping twice is a no-op.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if cerr := s.Cleanup("*", s.id); cerr != nil {
			log.ForSession(s.id).Debug().Err(cerr).Msg("session: cleanup on stop failed")
		}
		s.pool.Stop()
		metrics.SessionStopped()
		err = s.cat.Close()
	})
	return err
}

// Kill is a synonym for Stop, retained so call sites can state forceful
// intent; both run the same cleanup-then-shutdown sequence.
func (s *Session) Kill() error { return s.Stop() }
