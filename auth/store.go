package auth

import (
	"fmt"
	"path"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/p2panda/p2panda-sub000/log"
)

var groupsBucket = []byte("groups")

// BoltFileName is the name of the bbolt file the group store writes to.
const BoltFileName = "groups.db"

// BoltStoreOpenPerm is the permission used when opening the store file.
const BoltStoreOpenPerm = 0660

// boltGroupStore implements GroupStore over a bbolt key-value file, one
// group per key, CBOR-encoded: a mutex-guarded *bolt.DB plus a single
// named bucket.
type boltGroupStore struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
}

// NewBoltGroupStore opens (creating if necessary) a bbolt-backed group
// store under folder.
func NewBoltGroupStore(l log.Logger, folder string, opts *bolt.Options) (GroupStore, error) {
	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening group store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(groupsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating groups bucket: %w", err)
	}
	return &boltGroupStore{db: db, log: l}, nil
}

// persistedGroupState is the wire-friendly projection of GroupCrdtState;
// the graph is rebuilt on load from the operations, and the capability
// dependencies (store, orderer) are not serialized: a loaded state gets
// the store it was read from and no orderer.
type persistedGroupState struct {
	MyID       GroupMember
	GroupID    ID
	Operations []Operation
	States     map[OperationID]MembersState
	Ignore     []OperationID
}

func (s *GroupCrdtState) toPersisted() persistedGroupState {
	ops := make([]Operation, 0, len(s.operations))
	for _, op := range s.operations {
		ops = append(ops, op)
	}
	ignore := make([]OperationID, 0, len(s.ignore))
	for id := range s.ignore {
		ignore = append(ignore, id)
	}
	return persistedGroupState{
		MyID:       s.MyID,
		GroupID:    s.GroupID,
		Operations: ops,
		States:     s.states,
		Ignore:     ignore,
	}
}

func fromPersisted(p persistedGroupState, store GroupStore, orderer Orderer) *GroupCrdtState {
	s := NewGroupCrdtState(p.MyID, p.GroupID, store, orderer)
	for _, op := range p.Operations {
		s.graph.addNode(op.ID, op.Previous)
		s.operations[op.ID] = op
	}
	s.states = p.States
	for _, id := range p.Ignore {
		s.ignore[id] = struct{}{}
	}
	return s
}

func (b *boltGroupStore) Get(groupID ID) (*GroupCrdtState, bool, error) {
	b.Lock()
	defer b.Unlock()

	var raw []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(groupsBucket).Get([]byte(groupID))
		if v == nil {
			return nil
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading group %s: %w", groupID, err)
	}
	if raw == nil {
		return nil, false, nil
	}

	var p persistedGroupState
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, false, fmt.Errorf("decoding group %s: %w", groupID, err)
	}
	return fromPersisted(p, b, nil), true, nil
}

func (b *boltGroupStore) Insert(groupID ID, state *GroupCrdtState) error {
	b.Lock()
	defer b.Unlock()

	raw, err := cbor.Marshal(state.toPersisted())
	if err != nil {
		return fmt.Errorf("encoding group %s: %w", groupID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(groupsBucket).Put([]byte(groupID), raw)
	})
}

// Close releases the underlying bbolt file handle.
func (b *boltGroupStore) Close() error {
	return b.db.Close()
}
