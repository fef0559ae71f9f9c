package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/fedstandalone/pkg/catalog"
	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/log"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/storage"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

const (
	kindMRWINoShuffle            = "table.mrwi_no_shuffle"
	kindMRWIShuffleNoReduce      = "table.mrwi_shuffle_no_reduce"
	kindMRWIMapAndShuffleWrite   = "table.mrwi_map_and_shuffle_write"
	kindMRWIShuffleReadAndReduce = "table.mrwi_shuffle_read_and_reduce"

	idIdentityMapper = "table.identity_mapper"
)

func init() {
	worker.RegisterExecutor(kindMRWINoShuffle, execMRWINoShuffle)
	worker.RegisterExecutor(kindMRWIShuffleNoReduce, execMRWIShuffleNoReduce)
	worker.RegisterExecutor(kindMRWIMapAndShuffleWrite, execMRWIMapAndShuffleWrite)
	worker.RegisterExecutor(kindMRWIShuffleReadAndReduce, execMRWIShuffleReadAndReduce)
	funcreg.RegisterMapper(idIdentityMapper, identityMapper)
}

// identityMapper passes every entry of a partition through unchanged; it
// backs CopyAs, which reuses MapReducePartitionsWithIndex's no-shuffle path
// to physically duplicate a table under a new name.
func identityMapper(_ int, input funcreg.Iterator) funcreg.Iterator {
	return funcreg.NewSliceIterator(funcreg.Collect(input))
}

var identityMapperRef = funcreg.NewMapperRef(idIdentityMapper)

// Operand points a worker task at one table's partitions: identity plus
// partition count, everything a task needs to re-open the right storage envs
// on its own side of the process boundary.
type Operand struct {
	Namespace     string
	Name          string
	NumPartitions int
}

func (t *Table) operand() Operand {
	return Operand{Namespace: t.namespace, Name: t.name, NumPartitions: t.partitions}
}

// mrwiTask is the gob-encoded payload shared by every mrwi task kind; fields
// irrelevant to a particular kind are left zero.
type mrwiTask struct {
	Root        string
	PartitionID int

	Input  Operand
	Output Operand

	Mapper      funcreg.MapperRef
	Reducer     funcreg.ReducerRef
	Partitioner funcreg.PartitionerRef
}

func encodeTask(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("table: encode task: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTask(payload []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(payload)).Decode(v)
}

// shuffleKey prefixes a key with a big-endian emit index, so that distinct
// source records routed to the same destination partition under the same
// user key never collide in the intermediate shuffle-write table; the reduce
// stage strips the prefix back off before reducing by the real key.
func shuffleKey(index uint32, key []byte) []byte {
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out[:4], index)
	copy(out[4:], key)
	return out
}

func unshuffleKey(prefixed []byte) []byte {
	return prefixed[4:]
}

func shufflePartitionID(src, dst int) string {
	return fmt.Sprintf("%d_%d", src, dst)
}

func readAllPairs(env *storage.Env) ([]funcreg.Pair, error) {
	var pairs []funcreg.Pair
	err := env.ForEach(func(k, v []byte) error {
		pairs = append(pairs, funcreg.Pair{
			Key:   append([]byte(nil), k...),
			Value: append([]byte(nil), v...),
		})
		return nil
	})
	return pairs, err
}

func execMRWINoShuffle(payload []byte) ([]byte, error) {
	var t mrwiTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}

	mapper, err := t.Mapper.Resolve()
	if err != nil {
		return nil, err
	}

	in, err := storage.Open(t.Root, t.Input.Namespace, t.Input.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	pairs, err := readAllPairs(in)
	if err != nil {
		return nil, err
	}

	out := mapper(t.PartitionID, funcreg.NewSliceIterator(pairs))

	outEnv, err := storage.Open(t.Root, t.Output.Namespace, t.Output.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer outEnv.Close()

	for {
		p, ok := out.Next()
		if !ok {
			break
		}
		if err := outEnv.Put(p.Key, p.Value); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func execMRWIShuffleNoReduce(payload []byte) ([]byte, error) {
	var t mrwiTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}

	mapper, err := t.Mapper.Resolve()
	if err != nil {
		return nil, err
	}
	partitioner, err := t.Partitioner.Resolve()
	if err != nil {
		return nil, err
	}

	in, err := storage.Open(t.Root, t.Input.Namespace, t.Input.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	pairs, err := readAllPairs(in)
	if err != nil {
		return nil, err
	}

	outEnvs := make(map[int]*storage.Env, t.Output.NumPartitions)
	defer func() {
		for _, e := range outEnvs {
			_ = e.Close()
		}
	}()

	out := mapper(t.PartitionID, funcreg.NewSliceIterator(pairs))
	for {
		p, ok := out.Next()
		if !ok {
			break
		}
		dst := partitioner(p.Key, t.Output.NumPartitions)
		env, ok := outEnvs[dst]
		if !ok {
			env, err = storage.Open(t.Root, t.Output.Namespace, t.Output.Name, dst)
			if err != nil {
				return nil, err
			}
			outEnvs[dst] = env
		}
		if err := env.Put(p.Key, p.Value); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func execMRWIMapAndShuffleWrite(payload []byte) ([]byte, error) {
	var t mrwiTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}

	mapper, err := t.Mapper.Resolve()
	if err != nil {
		return nil, err
	}
	partitioner, err := t.Partitioner.Resolve()
	if err != nil {
		return nil, err
	}

	in, err := storage.Open(t.Root, t.Input.Namespace, t.Input.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	pairs, err := readAllPairs(in)
	if err != nil {
		return nil, err
	}

	shuffleEnvs := make(map[int]*storage.Env, t.Output.NumPartitions)
	defer func() {
		for _, e := range shuffleEnvs {
			_ = e.Close()
		}
	}()

	out := mapper(t.PartitionID, funcreg.NewSliceIterator(pairs))
	var index uint32
	for {
		p, ok := out.Next()
		if !ok {
			break
		}
		dst := partitioner(p.Key, t.Output.NumPartitions)
		env, ok := shuffleEnvs[dst]
		if !ok {
			env, err = storage.OpenNamed(t.Root, t.Output.Namespace, t.Output.Name, shufflePartitionID(t.PartitionID, dst))
			if err != nil {
				return nil, err
			}
			shuffleEnvs[dst] = env
		}
		if err := env.Put(shuffleKey(index, p.Key), p.Value); err != nil {
			return nil, err
		}
		index++
	}
	return nil, nil
}

func execMRWIShuffleReadAndReduce(payload []byte) ([]byte, error) {
	var t mrwiTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}

	reducer, err := t.Reducer.Resolve()
	if err != nil {
		return nil, err
	}

	outEnv, err := storage.Open(t.Root, t.Output.Namespace, t.Output.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer outEnv.Close()

	for src := 0; src < t.Input.NumPartitions; src++ {
		shuffleEnv, err := storage.OpenNamed(t.Root, t.Input.Namespace, t.Input.Name, shufflePartitionID(src, t.PartitionID))
		if err != nil {
			return nil, err
		}
		err = shuffleEnv.ForEach(func(prefixedKey, value []byte) error {
			key := unshuffleKey(prefixedKey)
			old, found, err := outEnv.Get(key)
			if err != nil {
				return err
			}
			if !found {
				return outEnv.Put(key, value)
			}
			return outEnv.Put(key, reducer(old, value))
		})
		shuffleEnv.Close()
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// MapReducePartitionsWithIndex is the engine's core transform: map every
// partition with access to its own index, then either write results
// directly (no shuffle), shuffle without reducing, or shuffle and reduce in
// two barrier-separated stages.
func (t *Table) MapReducePartitionsWithIndex(
	ctx context.Context,
	mapper funcreg.MapperRef,
	reducer funcreg.ReducerRef,
	outputPartitioner funcreg.PartitionerRef,
	shuffle bool,
	opts Options,
	outputNamespace, outputName string,
) (*Table, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableOperationDuration, "map_reduce_partitions_with_index")

	if outputName == "" {
		outputName = uuid.NewString()
	}
	if outputNamespace == "" {
		outputNamespace = t.namespace
	}

	hasReducer := reducer.ID != ""

	if !shuffle {
		if err := t.runMRWIStage(ctx, kindMRWINoShuffle, mrwiTask{
			Input:  t.operand(),
			Output: Operand{Namespace: outputNamespace, Name: outputName, NumPartitions: t.partitions},
			Mapper: mapper,
		}); err != nil {
			metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "error").Inc()
			return nil, err
		}
		metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "ok").Inc()
		return t.newOutput(outputNamespace, outputName, opts), nil
	}

	if !hasReducer {
		if err := t.runMRWIStage(ctx, kindMRWIShuffleNoReduce, mrwiTask{
			Input:  t.operand(),
			Output: Operand{Namespace: outputNamespace, Name: outputName, NumPartitions: t.partitions},
			Mapper: mapper, Partitioner: outputPartitioner,
		}); err != nil {
			metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "error").Inc()
			return nil, err
		}
		metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "ok").Inc()
		return t.newOutput(outputNamespace, outputName, opts), nil
	}

	// Two-stage shuffle+reduce: map-and-write to an intermediate table, then
	// shuffle-read-and-reduce per destination partition, with a strict
	// barrier between the stages (stage 2 cannot start until every partition
	// of stage 1 has finished writing).
	intermediateName := uuid.NewString()
	if err := t.runMRWIStage(ctx, kindMRWIMapAndShuffleWrite, mrwiTask{
		Input:  t.operand(),
		Output: Operand{Namespace: t.namespace, Name: intermediateName, NumPartitions: t.partitions},
		Mapper: mapper, Partitioner: outputPartitioner,
	}); err != nil {
		metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "error").Inc()
		return nil, err
	}

	if err := t.runMRWIStage(ctx, kindMRWIShuffleReadAndReduce, mrwiTask{
		Input:   Operand{Namespace: t.namespace, Name: intermediateName, NumPartitions: t.partitions},
		Output:  Operand{Namespace: outputNamespace, Name: outputName, NumPartitions: t.partitions},
		Reducer: reducer,
	}); err != nil {
		metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "error").Inc()
		return nil, err
	}

	if err := storage.DropTable(t.root, t.namespace, intermediateName); err != nil {
		return nil, fmt.Errorf("table: drop shuffle intermediate: %w", err)
	}
	metrics.TablesDestroyedTotal.Inc()
	metrics.TableOperationsTotal.WithLabelValues("map_reduce_partitions_with_index", "ok").Inc()

	return t.newOutput(outputNamespace, outputName, opts), nil
}

// runMRWIStage submits one task per source partition and blocks until every
// partition of the stage has completed.
func (t *Table) runMRWIStage(ctx context.Context, kind string, base mrwiTask) error {
	payloads := make([][]byte, t.partitions)
	for p := 0; p < t.partitions; p++ {
		task := base
		task.Root = t.root
		task.PartitionID = p
		payload, err := encodeTask(task)
		if err != nil {
			return err
		}
		payloads[p] = payload
	}
	_, err := t.pool.SubmitAll(ctx, kind, payloads)
	return err
}

func (t *Table) newOutput(namespace, name string, opts Options) *Table {
	if opts.Partitions == 0 {
		opts.Partitions = t.partitions
	}
	meta := catalog.Meta{
		NumPartitions:   opts.Partitions,
		KeySerdesType:   opts.KeySerdes,
		ValueSerdesType: opts.ValueSerdes,
		PartitionerType: opts.PartitionerType,
	}
	if err := t.cat.AddTableMeta(namespace, name, meta); err != nil {
		// The table handle is still usable: its identity does not depend on
		// the catalog write having succeeded, only future Load() calls of
		// this name would be affected.
		log.ForTable(namespace, name).Warn().Err(err).Msg("table: catalog entry for output table not written")
	}
	return New(t.root, t.pool, t.cat, namespace, name, opts)
}

// CopyAs copies every entry into a new table under name/namespace with the
// same partition count; SaveAs is the variant that can repartition first.
func (t *Table) CopyAs(ctx context.Context, name, namespace string, needCleanup bool) (*Table, error) {
	opts := Options{
		Partitions: t.partitions, KeySerdes: t.keySerdes, ValueSerdes: t.valueSerdes,
		PartitionerType: t.partitionerType, Partitioner: t.partitioner, NeedCleanup: needCleanup,
	}
	return t.MapReducePartitionsWithIndex(ctx, identityMapperRef, funcreg.ReducerRef{}, funcreg.PartitionerRef{}, false, opts, namespace, name)
}

// SaveAs copies the table under name/namespace, repartitioning first if
// partitions differs from the table's current count.
func (t *Table) SaveAs(ctx context.Context, name, namespace string, partitions int, needCleanup bool) (*Table, error) {
	src := t
	if partitions != 0 && partitions != t.partitions {
		repartitioned, err := t.Repartition(ctx, partitions, "", "", true)
		if err != nil {
			return nil, err
		}
		src = repartitioned
	}
	return src.CopyAs(ctx, name, namespace, needCleanup)
}

// Repartition copies every entry into a new table with a different partition
// count. There is no incremental repartitioning: every entry is read back via
// Collect and rewritten through the partitioner.
func (t *Table) Repartition(ctx context.Context, partitions int, name, namespace string, needCleanup bool) (*Table, error) {
	if partitions == t.partitions {
		return t, nil
	}
	if name == "" {
		name = uuid.NewString()
	}
	if namespace == "" {
		namespace = t.namespace
	}

	opts := Options{
		Partitions: partitions, KeySerdes: t.keySerdes, ValueSerdes: t.valueSerdes,
		PartitionerType: t.partitionerType, Partitioner: t.partitioner, NeedCleanup: needCleanup,
	}
	dup := t.newOutput(namespace, name, opts)

	pairs, err := t.Collect()
	if err != nil {
		return nil, err
	}
	if err := dup.PutAll(pairs); err != nil {
		return nil, err
	}
	return dup, nil
}
