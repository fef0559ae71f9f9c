package worker

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cuemby/fedstandalone/pkg/log"
)

// reexecEnvVar is set by the parent process on a worker's os/exec.Cmd.Env
// before starting it; its presence is NewPool's trigger to divert a re-exec'd
// process straight into the worker loop instead of letting control return to
// the importing application's own setup code.
const reexecEnvVar = "_STANDALONE_WORKER"

// Init diverts into the worker loop and never returns if this process was
// re-exec'd as a worker; in a normal process it is a no-op. Embedding
// applications should call it at the top of main(), and test binaries from
// TestMain, before any other work: a re-exec'd child otherwise runs the
// application's own startup code until it reaches its first NewPool call.
//
// The check cannot live in this package's init(). Go initializes an imported
// package's init() functions before the importing package's, so pkg/table's
// init() (which registers every task executor via RegisterExecutor) would
// not yet have run when the child diverted — every task would fail with "no
// executor registered". By main()/TestMain time, every init() has completed.
func Init() {
	maybeRunChild()
}

// maybeRunChild is Init's implementation, also called from NewPool as a
// backstop for callers that skip Init.
func maybeRunChild() {
	if os.Getenv(reexecEnvVar) != "1" {
		return
	}
	runChildLoop()
	os.Exit(0)
}

// runChildLoop reads Tasks from stdin and writes Results to stdout until
// stdin is closed (the parent exited or called Pool.Stop), at which point the
// process exits cleanly. It never returns to maybeRunChild's caller.
func runChildLoop() {
	ppid := os.Getppid()
	go watchParent(ppid)

	for {
		var task Task
		if err := readFrame(os.Stdin, &task); err != nil {
			return
		}

		fn, ok := lookupExecutor(task.Kind)
		var result Result
		if !ok {
			result = Result{Err: "worker: no executor registered for kind " + task.Kind}
		} else {
			out, err := fn(task.Payload)
			if err != nil {
				result = Result{Err: err.Error()}
			} else {
				result = Result{Payload: out}
			}
		}

		if err := writeFrame(os.Stdout, &result); err != nil {
			return
		}
	}
}

// watchParent probes the parent pid once a second with a zero signal and
// exits if it is gone. A worker process that outlives its parent would
// otherwise leak forever, since nothing else ever tells it to stop.
func watchParent(ppid int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := unix.Kill(ppid, 0); err != nil {
			log.Warn().Int("ppid", ppid).Msg("worker: parent process gone, exiting")
			os.Exit(1)
		}
	}
}
