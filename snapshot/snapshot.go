// Package snapshot persists the object graph of a completed reachability
// pass into a pebble database so it can be inspected offline: per-object
// records with their outgoing edges, a reverse-edge index, the cluster
// layout and the pass metadata.
package snapshot

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/objtrace/objtrace"
)

var (
	ErrNoSuchObject = errors.New("snapshot: no record for that object")
	ErrBadRecord    = errors.New("snapshot: malformed record")
)

// Key space: 'M' pass metadata, 'O'+index object record, 'R'+index reverse
// edges, 'C'+index cluster record. Indexes are big-endian so iteration
// order matches numeric order.
const (
	keyMeta    = 'M'
	keyObject  = 'O'
	keyReverse = 'R'
	keyCluster = 'C'
)

var writeOptions = pebble.WriteOptions{Sync: false}

// Meta is the pass header stored under 'M'.
type Meta struct {
	PassID      uuid.UUID
	Capacity    int32
	Live        int64
	Unreachable int
	DurationNs  int64
}

// ObjectRecord is one serialized table slot.
type ObjectRecord struct {
	Index objtrace.Ref
	Type  objtrace.TypeID
	Outer objtrace.Ref
	Flags objtrace.Flags
	Owner objtrace.Ref
	Refs  []objtrace.Ref
}

// ClusterRecord is one serialized cluster.
type ClusterRecord struct {
	Root               objtrace.Ref
	Objects            []objtrace.Ref
	MutableObjects     []objtrace.Ref
	ReferencedClusters []objtrace.Ref
}

func ixKey(prefix byte, ix objtrace.Ref) []byte {
	var k [5]byte
	k[0] = prefix
	binary.BigEndian.PutUint32(k[1:], uint32(ix))
	return k[:]
}

func zipU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func zipRefs(refs []objtrace.Ref) []byte {
	b := make([]byte, 4*len(refs))
	for i, r := range refs {
		binary.BigEndian.PutUint32(b[4*i:], uint32(r))
	}
	return b
}

func unzipRefs(b []byte) ([]objtrace.Ref, error) {
	if len(b)%4 != 0 {
		return nil, ErrBadRecord
	}
	refs := make([]objtrace.Ref, len(b)/4)
	for i := range refs {
		refs[i] = objtrace.Ref(binary.BigEndian.Uint32(b[4*i:]))
	}
	return refs, nil
}

// takeU32 pops one fixed-width field record off body.
func takeU32(lit byte, body []byte) (uint32, []byte, error) {
	val, rest, err := toytlv.TakeWary(lit, body)
	if err != nil || len(val) != 4 {
		return 0, nil, ErrBadRecord
	}
	return binary.BigEndian.Uint32(val), rest, nil
}

// Write serializes the engine's current graph into a fresh database at
// path. Call it after CollectGarbage so the flag words and the unreachable
// verdicts are coherent.
func Write(path string, e *objtrace.Engine, pass *objtrace.PassResult) error {
	db, err := pebble.Open(path, &pebble.Options{ErrorIfExists: true})
	if err != nil {
		return errors.Wrap(err, "snapshot: open for write")
	}
	defer db.Close()

	batch := db.NewBatch()
	table := e.Table()
	capacity := table.Capacity()

	// forward pass: object records, reverse edges accumulated in memory
	reverse := make(map[objtrace.Ref][]objtrace.Ref)
	for ix := objtrace.Ref(1); int32(ix) < capacity; ix++ {
		it := table.ItemAt(ix)
		obj := it.Object()
		if obj == nil {
			continue
		}
		refs := e.OutgoingRefs(ix)
		for _, r := range refs {
			reverse[r] = append(reverse[r], ix)
		}
		rec := toytlv.Concat(
			toytlv.Record('T', zipU32(uint32(obj.Type))),
			toytlv.Record('X', zipU32(uint32(obj.Outer))),
			toytlv.Record('F', zipU32(uint32(it.FlagsValue()))),
			toytlv.Record('W', zipU32(uint32(it.OwnerIndex()))),
			toytlv.Record('E', zipRefs(refs)),
		)
		if err = batch.Set(ixKey(keyObject, ix), rec, &writeOptions); err != nil {
			return errors.Wrap(err, "snapshot: object record")
		}
	}
	for target, froms := range reverse {
		if err = batch.Set(ixKey(keyReverse, target), zipRefs(froms), &writeOptions); err != nil {
			return errors.Wrap(err, "snapshot: reverse record")
		}
	}

	e.Clusters().ForEach(func(ci int, cl *objtrace.Cluster) {
		rec := toytlv.Concat(
			toytlv.Record('I', zipU32(uint32(cl.RootIndex))),
			toytlv.Record('O', zipRefs(cl.Objects)),
			toytlv.Record('U', zipRefs(cl.MutableObjects)),
			toytlv.Record('L', zipRefs(cl.ReferencedClusters)),
		)
		if err == nil {
			err = batch.Set(ixKey(keyCluster, objtrace.Ref(ci)), rec, &writeOptions)
		}
	})
	if err != nil {
		return errors.Wrap(err, "snapshot: cluster record")
	}

	meta := toytlv.Concat(
		toytlv.Record('I', pass.Stats.ID[:]),
		toytlv.Record('N', zipU32(uint32(capacity))),
		toytlv.Record('V', zipU32(uint32(table.Live()))),
		toytlv.Record('U', zipU32(uint32(pass.Stats.Unreachable))),
		toytlv.Record('D', zipU32(uint32(pass.Stats.Duration.Milliseconds()))),
	)
	if err = batch.Set([]byte{keyMeta}, meta, &writeOptions); err != nil {
		return errors.Wrap(err, "snapshot: meta record")
	}
	if err = batch.Commit(&writeOptions); err != nil {
		return errors.Wrap(err, "snapshot: commit")
	}
	return errors.Wrap(db.Flush(), "snapshot: flush")
}

// Store is a read-only handle on a written snapshot.
type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{ErrorIfNotExists: true, ReadOnly: true})
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: open")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Meta() (m Meta, err error) {
	val, closer, err := s.db.Get([]byte{keyMeta})
	if err != nil {
		return m, errors.Wrap(err, "snapshot: meta")
	}
	defer closer.Close()
	id, rest, err := toytlv.TakeWary('I', val)
	if err != nil || len(id) != 16 {
		return m, ErrBadRecord
	}
	copy(m.PassID[:], id)
	var v uint32
	if v, rest, err = takeU32('N', rest); err != nil {
		return m, err
	}
	m.Capacity = int32(v)
	if v, rest, err = takeU32('V', rest); err != nil {
		return m, err
	}
	m.Live = int64(v)
	if v, rest, err = takeU32('U', rest); err != nil {
		return m, err
	}
	m.Unreachable = int(v)
	if v, _, err = takeU32('D', rest); err != nil {
		return m, err
	}
	m.DurationNs = int64(v) * 1e6
	return m, nil
}

func (s *Store) Object(ix objtrace.Ref) (*ObjectRecord, error) {
	val, closer, err := s.db.Get(ixKey(keyObject, ix))
	if err == pebble.ErrNotFound {
		return nil, ErrNoSuchObject
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: object")
	}
	defer closer.Close()
	return parseObject(ix, val)
}

func parseObject(ix objtrace.Ref, val []byte) (*ObjectRecord, error) {
	rec := &ObjectRecord{Index: ix}
	v, rest, err := takeU32('T', val)
	if err != nil {
		return nil, err
	}
	rec.Type = objtrace.TypeID(v)
	if v, rest, err = takeU32('X', rest); err != nil {
		return nil, err
	}
	rec.Outer = objtrace.Ref(v)
	if v, rest, err = takeU32('F', rest); err != nil {
		return nil, err
	}
	rec.Flags = objtrace.Flags(v)
	if v, rest, err = takeU32('W', rest); err != nil {
		return nil, err
	}
	rec.Owner = objtrace.Ref(v)
	edges, _, err := toytlv.TakeWary('E', rest)
	if err != nil {
		return nil, ErrBadRecord
	}
	if rec.Refs, err = unzipRefs(edges); err != nil {
		return nil, err
	}
	return rec, nil
}

// Referencers returns the recorded reverse edges of ix.
func (s *Store) Referencers(ix objtrace.Ref) ([]objtrace.Ref, error) {
	val, closer, err := s.db.Get(ixKey(keyReverse, ix))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: referencers")
	}
	defer closer.Close()
	return unzipRefs(val)
}

// Objects walks every object record in index order; fn returning false
// stops the walk.
func (s *Store) Objects(fn func(*ObjectRecord) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{keyObject},
		UpperBound: []byte{keyObject + 1},
	})
	if err != nil {
		return errors.Wrap(err, "snapshot: iterate")
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		ix := objtrace.Ref(binary.BigEndian.Uint32(it.Key()[1:]))
		rec, err := parseObject(ix, it.Value())
		if err != nil {
			return err
		}
		if !fn(rec) {
			break
		}
	}
	return nil
}

func (s *Store) Clusters() ([]ClusterRecord, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{keyCluster},
		UpperBound: []byte{keyCluster + 1},
	})
	if err != nil {
		return nil, errors.Wrap(err, "snapshot: clusters")
	}
	defer it.Close()
	var out []ClusterRecord
	for it.First(); it.Valid(); it.Next() {
		var cr ClusterRecord
		root, rest, err := takeU32('I', it.Value())
		if err != nil {
			return nil, err
		}
		cr.Root = objtrace.Ref(root)
		objs, rest, err := toytlv.TakeWary('O', rest)
		if err != nil {
			return nil, ErrBadRecord
		}
		if cr.Objects, err = unzipRefs(objs); err != nil {
			return nil, err
		}
		muts, rest, err := toytlv.TakeWary('U', rest)
		if err != nil {
			return nil, ErrBadRecord
		}
		if cr.MutableObjects, err = unzipRefs(muts); err != nil {
			return nil, err
		}
		links, _, err := toytlv.TakeWary('L', rest)
		if err != nil {
			return nil, ErrBadRecord
		}
		if cr.ReferencedClusters, err = unzipRefs(links); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, nil
}
