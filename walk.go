package objtrace

import "fmt"

// MaxStackDepth caps the interpreter frame stack: one frame per open
// container. Exceeding it means a pathologically nested layout and is fatal.
const MaxStackDepth = 128

type refKind uint8

const (
	// refStrong keeps the target alive; a dead target may be eliminated
	// (the slot nulled) by the processor.
	refStrong refKind = iota
	// refStable keeps the target alive and must never be nulled.
	refStable
	// refWeak never keeps the target alive; seen only in weak mode.
	refWeak
)

// scheduler accumulates the objects a walk discovers.
type scheduler struct {
	discovered []Ref
}

func (s *scheduler) schedule(ix Ref) {
	s.discovered = append(s.discovered, ix)
}

// refProcessor is the specialization point of the walk: reachability
// marking, cluster building, reverse queries and verification all plug in
// here. Implementations may null slot.Ref for refStrong when the target is
// gone, and call sched.schedule to extend the traversal.
type refProcessor interface {
	handleReference(sched *scheduler, referencer Ref, slot *Slot, kind refKind)
}

// ReferenceCollector is handed to custom reference-enumeration callouts for
// layouts the token stream cannot describe statically.
type ReferenceCollector interface {
	// AddReference visits a reference slot in place; the engine may null it
	// when the target is no longer valid.
	AddReference(s *Slot)
	// AddStableReference visits a reference that must not be nulled
	// (temporaries, copies, load-bearing links).
	AddStableReference(r Ref)
}

type calloutCollector[P refProcessor] struct {
	w          *walker[P]
	referencer Ref
}

func (c *calloutCollector[P]) AddReference(s *Slot) {
	c.w.proc.handleReference(&c.w.sched, c.referencer, s, refStrong)
}

func (c *calloutCollector[P]) AddStableReference(r Ref) {
	tmp := Slot{Ref: r}
	c.w.proc.handleReference(&c.w.sched, c.referencer, &tmp, refStable)
}

// stackEntry is one interpreter frame: the slot window of the container
// element currently being decoded.
type stackEntry struct {
	src       []Slot
	buf       *Buffer // non-nil only for sparse containers
	base      int32   // slot offset of the current element within src
	stride    int32
	remaining int32 // elements left, current one included
	rawIndex  int32 // raw element index for sparse advancing
	loopStart int32 // token index of the first body token
}

// walker runs the token-stream interpreter for one trace task. It is generic
// over the processor so the per-reference call devirtualizes; this loop is
// the hot path of every full pass.
type walker[P refProcessor] struct {
	table       *Table
	reg         *TypeRegistry
	proc        P
	sched       scheduler
	processWeak bool
	parallel    bool

	// dispatch, when set, offers a chunk of discovered objects to the
	// parallel scheduler; nil keeps everything inline.
	dispatch  func([]Ref)
	chunkSize int

	visited  int64
	refsSeen int64
	stack    [MaxStackDepth]stackEntry
}

func (w *walker[P]) streamFor(t TypeID) *TokenStream {
	if w.parallel {
		return w.reg.AssembledStream(t)
	}
	return w.reg.Stream(t)
}

// traceObject decodes one object's token stream to completion. There is no
// yield point inside: the frame stack lives on this walker and the walk is
// eager by design.
func (w *walker[P]) traceObject(ix Ref) {
	it := w.table.ItemAt(ix)
	obj := it.Object()
	if obj == nil {
		return
	}
	w.visited++

	if obj.Outer != NilRef {
		outer := Slot{Ref: obj.Outer}
		w.proc.handleReference(&w.sched, ix, &outer, refStable)
		w.refsSeen++
	}

	stream := w.streamFor(obj.Type)
	sp := 0
	w.stack[0] = stackEntry{src: obj.Data, stride: int32(len(obj.Data)), remaining: 1}
	ti := int32(0)

	for {
		info := stream.infoAt(ti)
		ti++
		op := info.Op()
		f := &w.stack[sp]
		pops := int32(info.ReturnCount())

		switch op {
		case OpObject:
			w.proc.handleReference(&w.sched, ix, &f.src[f.base+info.Offset()], refStrong)
			w.refsSeen++

		case OpClass, OpPersistentObject:
			w.proc.handleReference(&w.sched, ix, &f.src[f.base+info.Offset()], refStable)
			w.refsSeen++

		case OpNoopPersistentObject, OpNoopClass:
			// immortal targets, nothing to do

		case OpArrayObject:
			if buf := f.src[f.base+info.Offset()].Buf; buf != nil {
				for i := range buf.Data {
					w.proc.handleReference(&w.sched, ix, &buf.Data[i], refStrong)
				}
				w.refsSeen += int64(len(buf.Data))
			}

		case OpWeakObject, OpSoftObject, OpLazyObject, OpDelegate, OpMulticastDelegate, OpFieldPath:
			if w.processWeak {
				w.proc.handleReference(&w.sched, ix, &f.src[f.base+info.Offset()], refWeak)
			}

		case OpArrayWeakObject, OpArraySoftObject, OpArrayLazyObject:
			if w.processWeak {
				if buf := f.src[f.base+info.Offset()].Buf; buf != nil {
					for i := range buf.Data {
						w.proc.handleReference(&w.sched, ix, &buf.Data[i], refWeak)
					}
				}
			}

		case OpAddReferencedObjects:
			fn := stream.objectCallouts[stream.wordAt(ti)]
			ti++
			fn(obj, &calloutCollector[P]{w: w, referencer: ix})

		case OpAddStructReferencedObjects:
			fn := stream.structCallouts[stream.wordAt(ti)]
			off := info.Offset()
			ti++
			fn(f.src[f.base+off:], &calloutCollector[P]{w: w, referencer: ix})

		case OpArrayStruct:
			stride := int32(stream.wordAt(ti))
			skip := stream.wordAt(ti + 1)
			ti += 2
			buf := f.src[f.base+info.Offset()].Buf
			count := int32(buf.Len()) / stride
			if count == 0 {
				pops = int32(stream.skipReturnCount(skip))
				ti = skipWordIndex(skip)
			} else {
				sp = w.push(sp, stackEntry{src: buf.Data, stride: stride, remaining: count, loopStart: ti})
				continue
			}

		case OpMap, OpSet:
			stride := int32(stream.wordAt(ti))
			skip := stream.wordAt(ti + 1)
			ti += 2
			buf := f.src[f.base+info.Offset()].Buf
			count := int32(0)
			if buf != nil {
				count = buf.validCount(int(int32(buf.Len()) / stride))
			}
			if count == 0 {
				pops = int32(stream.skipReturnCount(skip))
				ti = skipWordIndex(skip)
			} else {
				first := int32(0)
				for !buf.ValidAt(int(first)) {
					first++
				}
				sp = w.push(sp, stackEntry{
					src: buf.Data, buf: buf, base: first * stride,
					stride: stride, remaining: count, rawIndex: first, loopStart: ti,
				})
				continue
			}

		case OpOptional:
			stride := int32(stream.wordAt(ti))
			skip := stream.wordAt(ti + 1)
			ti += 2
			off := f.base + info.Offset()
			if f.src[off+stride].Raw == 0 {
				pops = int32(stream.skipReturnCount(skip))
				ti = skipWordIndex(skip)
			} else {
				sp = w.push(sp, stackEntry{src: f.src, base: off, stride: stride, remaining: 1, loopStart: ti})
				continue
			}

		case OpFixedArray:
			stride := int32(stream.wordAt(ti))
			count := int32(stream.wordAt(ti + 1))
			ti += 2
			sp = w.push(sp, stackEntry{src: f.src, base: f.base + info.Offset(), stride: stride, remaining: count, loopStart: ti})
			continue

		case OpEndOfStream:
			if sp != 0 {
				panic(fmt.Sprintf("objtrace: stream %q ended with %d open frames", stream.Name(), sp))
			}
			return

		default:
			// unknown opcode: corrupted or version-mismatched stream,
			// no safe recovery
			panic(fmt.Sprintf("objtrace: unknown opcode %d in stream %q at token %d", op, stream.Name(), ti-1))
		}

		for pops > 0 {
			f := &w.stack[sp]
			f.remaining--
			if f.remaining > 0 {
				w.advance(f)
				ti = f.loopStart
				break
			}
			if sp == 0 {
				panic(fmt.Sprintf("objtrace: stream %q pops past the root frame", stream.Name()))
			}
			sp--
			pops--
		}
	}
}

func (w *walker[P]) push(sp int, e stackEntry) int {
	sp++
	if sp >= MaxStackDepth {
		panic(fmt.Sprintf("objtrace: interpreter stack overflow (>%d frames)", MaxStackDepth))
	}
	w.stack[sp] = e
	return sp
}

// advance moves a frame to its next element; sparse frames scan the
// occupancy bitmap for the next live one.
func (w *walker[P]) advance(f *stackEntry) {
	if f.buf != nil && f.buf.Sparse() {
		n := int32(len(f.buf.Data)) / f.stride
		for f.rawIndex++; f.rawIndex < n; f.rawIndex++ {
			if f.buf.ValidAt(int(f.rawIndex)) {
				break
			}
		}
		f.base = f.rawIndex * f.stride
		return
	}
	f.base += f.stride
}

// run drains the batch: every object in buf is traced, discoveries extend
// the batch, and in parallel mode surplus discoveries are carved off and
// dispatched as independent chunks.
func (w *walker[P]) run(buf *workBuffer, pool *arrayPool) {
	cur := buf
	next := pool.Get()
	for {
		w.sched.discovered = next.refs[:0]
		for i := 0; i < len(cur.refs); i++ {
			w.traceObject(cur.refs[i])
			if w.dispatch != nil {
				for len(w.sched.discovered) >= 2*w.chunkSize {
					n := len(w.sched.discovered)
					w.dispatch(w.sched.discovered[n-w.chunkSize:])
					w.sched.discovered = w.sched.discovered[:n-w.chunkSize]
				}
			}
		}
		next.refs = w.sched.discovered
		if len(next.refs) == 0 {
			break
		}
		cur, next = next, cur
	}
	w.sched.discovered = nil
	pool.Put(next)
	pool.Put(cur)
}
