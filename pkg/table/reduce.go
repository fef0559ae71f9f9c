package table

import (
	"context"

	"github.com/cuemby/fedstandalone/pkg/funcreg"
	"github.com/cuemby/fedstandalone/pkg/metrics"
	"github.com/cuemby/fedstandalone/pkg/storage"
	"github.com/cuemby/fedstandalone/pkg/worker"
)

const kindReduce = "table.reduce"

func init() {
	worker.RegisterExecutor(kindReduce, execReduce)
}

// reduceTask carries one partition's worth of work for Table.Reduce.
type reduceTask struct {
	Root        string
	PartitionID int

	Input Operand

	Reducer funcreg.ReducerRef
}

// execReduce left-folds every value in one partition down to a single
// value via repeated application of the reducer.
func execReduce(payload []byte) ([]byte, error) {
	var t reduceTask
	if err := decodeTask(payload, &t); err != nil {
		return nil, err
	}
	reducer, err := t.Reducer.Resolve()
	if err != nil {
		return nil, err
	}

	env, err := storage.Open(t.Root, t.Input.Namespace, t.Input.Name, t.PartitionID)
	if err != nil {
		return nil, err
	}
	defer env.Close()

	var (
		acc    []byte
		hasAcc bool
	)
	err = env.ForEach(func(_, v []byte) error {
		value := append([]byte(nil), v...)
		if !hasAcc {
			acc = value
			hasAcc = true
			return nil
		}
		acc = reducer(acc, value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !hasAcc {
		return nil, nil
	}
	return encodeTask(reduceResult{Present: true, Value: acc})
}

// reduceResult wraps a partition's folded value so the no-entries case
// (Present: false) is distinguishable from a genuinely empty []byte value.
type reduceResult struct {
	Present bool
	Value   []byte
}

// Reduce folds every value across every partition down to a single value via
// reducer, applied first within each partition (fanned out across the worker
// pool) and then across partitions' partial results in the calling process.
// A table with no entries at all returns (nil, false, nil).
func (t *Table) Reduce(ctx context.Context, reducer funcreg.ReducerRef) ([]byte, bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TableOperationDuration, "reduce")

	fn, err := reducer.Resolve()
	if err != nil {
		return nil, false, err
	}

	payloads := make([][]byte, t.partitions)
	for p := 0; p < t.partitions; p++ {
		payload, err := encodeTask(reduceTask{
			Root: t.root, PartitionID: p,
			Input:   t.operand(),
			Reducer: reducer,
		})
		if err != nil {
			return nil, false, err
		}
		payloads[p] = payload
	}

	results, err := t.pool.SubmitAll(ctx, kindReduce, payloads)
	if err != nil {
		metrics.TableOperationsTotal.WithLabelValues("reduce", "error").Inc()
		return nil, false, err
	}

	var (
		acc    []byte
		hasAcc bool
	)
	for _, raw := range results {
		if raw == nil {
			continue
		}
		var partial reduceResult
		if err := decodeTask(raw, &partial); err != nil {
			metrics.TableOperationsTotal.WithLabelValues("reduce", "error").Inc()
			return nil, false, err
		}
		if !partial.Present {
			continue
		}
		if !hasAcc {
			acc = partial.Value
			hasAcc = true
			continue
		}
		acc = fn(acc, partial.Value)
	}

	metrics.TableOperationsTotal.WithLabelValues("reduce", "ok").Inc()
	return acc, hasAcc, nil
}
