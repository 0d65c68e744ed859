package objtrace

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/objtrace/objtrace/utils"
)

// collectStats aggregates walker counters across trace tasks.
type collectStats struct {
	visited  *xsync.Counter
	refsSeen *xsync.Counter
}

func newCollectStats() *collectStats {
	return &collectStats{visited: xsync.NewCounter(), refsSeen: xsync.NewCounter()}
}

// collect runs a full trace from the seed set. P is the processor
// specialization; makeProc builds one processor per worker so processors can
// keep worker-local state without locking.
//
// Serial mode runs everything inline on the calling goroutine. Parallel mode
// fans chunks out to a fixed worker pool over a shared pull queue: a worker
// blocks only when the queue is empty and not every task has completed; the
// final completion closes the queue and releases everyone.
func collect[P refProcessor](
	table *Table,
	reg *TypeRegistry,
	pool *arrayPool,
	stats *collectStats,
	makeProc func() P,
	seeds []Ref,
	parallel bool,
	workers int,
	chunkSize int,
	processWeak bool,
) {
	if len(seeds) == 0 {
		return
	}

	if !parallel {
		w := &walker[P]{
			table:       table,
			reg:         reg,
			proc:        makeProc(),
			processWeak: processWeak,
		}
		buf := pool.Get()
		buf.refs = append(buf.refs, seeds...)
		w.run(buf, pool)
		stats.visited.Add(w.visited)
		stats.refsSeen.Add(w.refsSeen)
		return
	}

	queue := utils.NewWorkQueue[*workBuffer]()
	var pending atomic.Int64

	dispatch := func(refs []Ref) {
		chunk := pool.Get()
		chunk.refs = append(chunk.refs, refs...)
		pending.Add(1)
		if queue.Push(chunk) != nil {
			// queue closed: completion already observed, this chunk is a
			// protocol violation
			panic("objtrace: chunk dispatched after trace completion")
		}
	}

	// seed chunks
	for off := 0; off < len(seeds); off += chunkSize {
		end := off + chunkSize
		if end > len(seeds) {
			end = len(seeds)
		}
		dispatch(seeds[off:end])
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &walker[P]{
				table:       table,
				reg:         reg,
				proc:        makeProc(),
				processWeak: processWeak,
				parallel:    true,
				dispatch:    dispatch,
				chunkSize:   chunkSize,
			}
			for {
				buf, ok := queue.Pop()
				if !ok {
					break
				}
				w.run(buf, pool)
				if pending.Add(-1) == 0 {
					queue.Close()
				}
			}
			stats.visited.Add(w.visited)
			stats.refsSeen.Add(w.refsSeen)
		}()
	}
	wg.Wait()
}
