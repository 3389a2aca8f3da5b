package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/p2panda/p2panda-sub000/log"
)

// ErrMaxSeqNo is returned when an append would exceed the maximum
// sequence number a log can carry; the entry is not stored.
var ErrMaxSeqNo = errors.New("store: max seq_num reached on log")

// MaxSeqNo bounds how many entries a single (author, log_id) log may
// hold, matching the "max seq_num reached" boundary behavior.
const MaxSeqNo uint64 = ^uint64(0) - 1

// Header is the signed envelope preceding every logged operation's body:
// version byte, author id, optional signature, payload size, payload
// hash, timestamp, seq_num, optional backlink, list of previous ids, and
// optional extensions. The signature covers the header bytes with the
// Signature field itself zeroed.
type Header struct {
	Version      uint8
	Author       string
	LogID        uint64
	SeqNum       uint64
	PayloadSize  uint64
	PayloadHash  [32]byte
	Timestamp    int64
	Backlink     *[32]byte
	Previous     [][32]byte
	Extensions   []byte
	Signature    []byte
}

// SigningBytes returns the header encoding a signature is computed over:
// identical to the stored encoding except Signature is cleared first.
func (h Header) SigningBytes() ([]byte, error) {
	unsigned := h
	unsigned.Signature = nil
	return cbor.Marshal(unsigned)
}

// Entry pairs a header with its optional body; the body is addressed by
// PayloadHash and may be fetched separately from the header stream.
type Entry struct {
	Header Header
	Body   []byte
}

// Height is one author's furthest-known seq_num per log_id, the unit
// `Have` messages exchange.
type Height struct {
	Author string
	LogID  uint64
	SeqNum uint64
}

// LogStore is the append-only per-(author, log_id) log storage that the
// log sync protocol reconciles between peers.
type LogStore interface {
	Append(entry Entry) error
	Latest(author string, logID uint64) (uint64, bool, error)
	EntriesFrom(author string, logID uint64, fromSeq uint64) ([]Entry, error)
	Heights(authors []string) ([]Height, error)
}

var logsBucket = []byte("logs")

// LogFileName is the name of the bbolt file the log store writes to.
const LogFileName = "logs.db"

// LogStoreOpenPerm is the permission used when opening the store file.
const LogStoreOpenPerm = 0660

// BoltLogStore implements LogStore over a bbolt file: a nested bucket
// per "author/log_id", entries keyed by an 8-byte big-endian seq_num so
// bbolt's natural key order is also sequence order.
type BoltLogStore struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
}

// NewBoltLogStore opens (creating if necessary) a bbolt-backed log store
// under folder.
func NewBoltLogStore(l log.Logger, folder string, opts *bolt.Options) (*BoltLogStore, error) {
	dbPath := path.Join(folder, LogFileName)
	db, err := bolt.Open(dbPath, LogStoreOpenPerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening log store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(logsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating logs bucket: %w", err)
	}
	return &BoltLogStore{db: db, log: l}, nil
}

func logKey(author string, logID uint64) []byte {
	return []byte(fmt.Sprintf("%s/%d", author, logID))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func (b *BoltLogStore) Append(entry Entry) error {
	b.Lock()
	defer b.Unlock()

	if entry.Header.SeqNum >= MaxSeqNo {
		return fmt.Errorf("%w: author=%s log_id=%d", ErrMaxSeqNo, entry.Header.Author, entry.Header.LogID)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		logBkt, err := tx.Bucket(logsBucket).CreateBucketIfNotExists(logKey(entry.Header.Author, entry.Header.LogID))
		if err != nil {
			return err
		}
		raw, err := cbor.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding entry: %w", err)
		}
		return logBkt.Put(seqKey(entry.Header.SeqNum), raw)
	})
}

func (b *BoltLogStore) Latest(author string, logID uint64) (uint64, bool, error) {
	b.Lock()
	defer b.Unlock()

	var latest uint64
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		logBkt := tx.Bucket(logsBucket).Bucket(logKey(author, logID))
		if logBkt == nil {
			return nil
		}
		c := logBkt.Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		latest = binary.BigEndian.Uint64(k)
		found = true
		return nil
	})
	return latest, found, err
}

func (b *BoltLogStore) EntriesFrom(author string, logID uint64, fromSeq uint64) ([]Entry, error) {
	b.Lock()
	defer b.Unlock()

	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		logBkt := tx.Bucket(logsBucket).Bucket(logKey(author, logID))
		if logBkt == nil {
			return nil
		}
		c := logBkt.Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			var entry Entry
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry for %s/%d: %w", author, logID, err)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

// Heights reports the latest seq_num per log_id for each of authors,
// scanning every log bucket whose key is prefixed by "author/".
func (b *BoltLogStore) Heights(authors []string) ([]Height, error) {
	b.Lock()
	defer b.Unlock()

	var out []Height
	err := b.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(logsBucket)
		for _, author := range authors {
			prefix := []byte(author + "/")
			c := top.Cursor()
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				if v != nil {
					// not a bucket, skip
					continue
				}
				logBkt := top.Bucket(k)
				if logBkt == nil {
					continue
				}
				var logID uint64
				fmt.Sscanf(string(k[len(prefix):]), "%d", &logID)
				ic := logBkt.Cursor()
				lastKey, _ := ic.Last()
				if lastKey == nil {
					continue
				}
				out = append(out, Height{Author: author, LogID: logID, SeqNum: binary.BigEndian.Uint64(lastKey)})
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Close releases the underlying bbolt file handle.
func (b *BoltLogStore) Close() error {
	return b.db.Close()
}
