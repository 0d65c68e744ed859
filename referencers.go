package objtrace

import (
	"slices"
	"sync"
)

// referencerProcessor flags the object currently being walked when one of
// its slots lands in the target set. It never extends the traversal: the
// reverse query is a flat scan, one walk per candidate.
type referencerProcessor struct {
	targets map[Ref]struct{}
	hit     bool
}

func (p *referencerProcessor) handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind) {
	if kind == refWeak {
		return
	}
	if _, ok := p.targets[slot.Ref]; ok {
		p.hit = true
	}
}

// FindReferencers scans the whole table and returns every live object
// holding a strong or stable reference to any of targets. Objects listed in
// ignore and the targets themselves are not reported. The scan partitions
// the index space statically across workers; the result is sorted and
// deduplicated.
//
// The scan reads reference slots concurrently with nothing: callers must
// not mutate objects while it runs.
func (e *Engine) FindReferencers(targets []Ref, ignore []Ref) []Ref {
	if len(targets) == 0 {
		return nil
	}
	tset := make(map[Ref]struct{}, len(targets))
	for _, t := range targets {
		tset[t] = struct{}{}
	}
	iset := make(map[Ref]struct{}, len(ignore))
	for _, ig := range ignore {
		iset[ig] = struct{}{}
	}

	capacity := e.table.Capacity()
	workers := 1
	if e.opts.Parallel && e.opts.NumWorkers > 1 {
		workers = e.opts.NumWorkers
		e.reg.AssembleAll()
	}

	span := (capacity + int32(workers) - 1) / int32(workers)
	results := make([][]Ref, workers)
	var wg sync.WaitGroup
	for wi := 0; wi < workers; wi++ {
		lo := 1 + int32(wi)*span
		hi := lo + span
		if hi > capacity {
			hi = capacity
		}
		if lo >= hi {
			continue
		}
		wg.Add(1)
		go func(wi int, lo, hi int32) {
			defer wg.Done()
			proc := &referencerProcessor{targets: tset}
			w := &walker[*referencerProcessor]{
				table:    e.table,
				reg:      e.reg,
				proc:     proc,
				parallel: workers > 1,
			}
			var found []Ref
			for ix := lo; ix < hi; ix++ {
				r := Ref(ix)
				if _, skip := iset[r]; skip {
					continue
				}
				if _, self := tset[r]; self {
					continue
				}
				proc.hit = false
				w.traceObject(r)
				if proc.hit {
					found = append(found, r)
				}
			}
			results[wi] = found
		}(wi, lo, hi)
	}
	wg.Wait()

	var out []Ref
	for _, part := range results {
		out = append(out, part...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
