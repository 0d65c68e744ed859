package objtrace

import (
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

const streamDedupCacheSize = 1024

// TypeRegistry maps type IDs to token streams. Registration stores a build
// thunk; the stream itself is materialized by the one-time assembly pass,
// either lazily on first single-threaded use or up front via AssembleAll.
// Parallel traces require pre-assembly: lazy materialization is not
// thread-safe and the hot-path lookup does not take locks.
//
// Assembled streams without callouts are deduplicated by content hash, so
// types sharing a layout share one stream.
type TypeRegistry struct {
	slots *xsync.MapOf[TypeID, *streamSlot]
	dedup *lru.Cache[uint64, *TokenStream]
}

type streamSlot struct {
	name   string
	build  func(*StreamBuilder)
	stream *TokenStream // nil until assembled
}

func NewTypeRegistry() *TypeRegistry {
	cache, _ := lru.New[uint64, *TokenStream](streamDedupCacheSize)
	return &TypeRegistry{
		slots: xsync.NewMapOf[TypeID, *streamSlot](),
		dedup: cache,
	}
}

// Register records the layout of type t. The build closure runs exactly
// once, during assembly. Registering the same type twice panics.
func (r *TypeRegistry) Register(t TypeID, name string, build func(*StreamBuilder)) {
	if build == nil {
		panic(fmt.Sprintf("objtrace: nil stream builder for type %q", name))
	}
	if _, loaded := r.slots.LoadOrStore(t, &streamSlot{name: name, build: build}); loaded {
		panic(fmt.Sprintf("objtrace: type %d (%s) registered twice", t, name))
	}
}

// Registered reports whether t has a layout.
func (r *TypeRegistry) Registered(t TypeID) bool {
	_, ok := r.slots.Load(t)
	return ok
}

// Count returns the number of registered types.
func (r *TypeRegistry) Count() int {
	return r.slots.Size()
}

func (r *TypeRegistry) assembleSlot(s *streamSlot) *TokenStream {
	b := NewStreamBuilder(s.name)
	s.build(b)
	stream := b.Finish()
	stream.assemble()
	if h := stream.Hash(); h != 0 {
		if shared, ok := r.dedup.Get(h); ok && shared.noCluster == stream.noCluster && slices.Equal(shared.tokens, stream.tokens) {
			stream = shared
		} else {
			r.dedup.Add(h, stream)
		}
	}
	s.stream = stream
	return stream
}

// Stream resolves the token stream for t, assembling it on first use.
// Lazy assembly is single-threaded territory; concurrent first-use of the
// same type is a caller error. Unknown types are fatal: an object carrying
// an unregistered type ID means the graph metadata is corrupt.
func (r *TypeRegistry) Stream(t TypeID) *TokenStream {
	s, ok := r.slots.Load(t)
	if !ok {
		panic(fmt.Sprintf("objtrace: no token stream registered for type %d", t))
	}
	if s.stream != nil {
		return s.stream
	}
	return r.assembleSlot(s)
}

// AssembledStream resolves the stream for t without assembling. Used by
// parallel traces, where hitting an unassembled stream is fatal.
func (r *TypeRegistry) AssembledStream(t TypeID) *TokenStream {
	s, ok := r.slots.Load(t)
	if !ok {
		panic(fmt.Sprintf("objtrace: no token stream registered for type %d", t))
	}
	if s.stream == nil {
		panic(fmt.Sprintf("objtrace: token stream for type %d (%s) not assembled before parallel trace", t, s.name))
	}
	return s.stream
}

// AssembleAll runs the assembly pass over every registered type. Mandatory
// before the first parallel trace.
func (r *TypeRegistry) AssembleAll() {
	r.slots.Range(func(_ TypeID, s *streamSlot) bool {
		if s.stream == nil {
			r.assembleSlot(s)
		}
		return true
	})
}
