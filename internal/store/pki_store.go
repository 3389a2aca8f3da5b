// Package store holds the bbolt-backed persistence layers that sit below
// the auth, dcgka and logsync packages: published identity/prekey
// bundles and per-author operation logs, each a mutex-guarded *bolt.DB
// with named buckets and CBOR-encoded values.
package store

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/log"
)

var (
	identitiesBucket = []byte("identities")
	prekeysBucket    = []byte("prekeys")
)

// PKIFileName is the name of the bbolt file the PKI store writes to.
const PKIFileName = "pki.db"

// PKIStoreOpenPerm is the permission used when opening the store file.
const PKIStoreOpenPerm = 0660

// BoltPKI implements crypto.IdentityManager and crypto.PreKeyManager over
// a bbolt file: one bucket for the single identity key published per
// member, one for the FIFO queue of one-time prekey bundles still
// available to consume.
type BoltPKI struct {
	sync.Mutex
	db  *bolt.DB
	log log.Logger
}

// NewBoltPKI opens (creating if necessary) a bbolt-backed PKI store
// under folder.
func NewBoltPKI(l log.Logger, folder string, opts *bolt.Options) (*BoltPKI, error) {
	dbPath := path.Join(folder, PKIFileName)
	db, err := bolt.Open(dbPath, PKIStoreOpenPerm, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pki store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(identitiesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(prekeysBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating pki buckets: %w", err)
	}
	return &BoltPKI{db: db, log: l}, nil
}

func (b *BoltPKI) PublishIdentityKey(member string, key crypto.AgreementKeyPair) error {
	b.Lock()
	defer b.Unlock()

	raw, err := cbor.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding identity key for %s: %w", member, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(identitiesBucket).Put([]byte(member), raw)
	})
}

func (b *BoltPKI) IdentityKey(member string) (crypto.AgreementKeyPair, bool) {
	b.Lock()
	defer b.Unlock()

	var key crypto.AgreementKeyPair
	var found bool
	_ = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(identitiesBucket).Get([]byte(member))
		if v == nil {
			return nil
		}
		if err := cbor.Unmarshal(v, &key); err != nil {
			return err
		}
		found = true
		return nil
	})
	return key, found
}

func (b *BoltPKI) PublishOneTimeBundles(member string, bundles []crypto.PreKeyBundle) error {
	b.Lock()
	defer b.Unlock()

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(prekeysBucket)
		existing, err := b.readBundles(bkt, member)
		if err != nil {
			return err
		}
		existing = append(existing, bundles...)
		raw, err := cbor.Marshal(existing)
		if err != nil {
			return fmt.Errorf("encoding prekey bundles for %s: %w", member, err)
		}
		return bkt.Put([]byte(member), raw)
	})
}

// ConsumeOneTimeBundle pops the oldest unexpired bundle published by
// member, discarding expired ones it passes over.
func (b *BoltPKI) ConsumeOneTimeBundle(member string, now time.Time) (crypto.PreKeyBundle, error) {
	b.Lock()
	defer b.Unlock()

	var out crypto.PreKeyBundle
	var outErr error
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(prekeysBucket)
		bundles, err := b.readBundles(bkt, member)
		if err != nil {
			return err
		}

		expired := false
		for len(bundles) > 0 {
			next := bundles[0]
			bundles = bundles[1:]
			if next.Expired(now) {
				expired = true
				continue
			}
			raw, err := cbor.Marshal(bundles)
			if err != nil {
				return fmt.Errorf("re-encoding prekey bundles for %s: %w", member, err)
			}
			out = next
			return bkt.Put([]byte(member), raw)
		}

		raw, err := cbor.Marshal(bundles)
		if err != nil {
			return fmt.Errorf("re-encoding prekey bundles for %s: %w", member, err)
		}
		if err := bkt.Put([]byte(member), raw); err != nil {
			return err
		}
		if _, ok := b.identityKeyLocked(tx, member); !ok {
			outErr = fmt.Errorf("%w: %s", crypto.ErrUnknownIdentity, member)
			return nil
		}
		if expired {
			outErr = fmt.Errorf("%w: %s", crypto.ErrPreKeyBundleExpired, member)
			return nil
		}
		outErr = fmt.Errorf("%w: %s", crypto.ErrNoPreKeysLeft, member)
		return nil
	})
	if err != nil {
		return crypto.PreKeyBundle{}, err
	}
	return out, outErr
}

func (b *BoltPKI) readBundles(bkt *bolt.Bucket, member string) ([]crypto.PreKeyBundle, error) {
	v := bkt.Get([]byte(member))
	if v == nil {
		return nil, nil
	}
	var bundles []crypto.PreKeyBundle
	if err := cbor.Unmarshal(v, &bundles); err != nil {
		return nil, fmt.Errorf("decoding prekey bundles for %s: %w", member, err)
	}
	return bundles, nil
}

func (b *BoltPKI) identityKeyLocked(tx *bolt.Tx, member string) (crypto.AgreementKeyPair, bool) {
	v := tx.Bucket(identitiesBucket).Get([]byte(member))
	if v == nil {
		return crypto.AgreementKeyPair{}, false
	}
	var key crypto.AgreementKeyPair
	if err := cbor.Unmarshal(v, &key); err != nil {
		return crypto.AgreementKeyPair{}, false
	}
	return key, true
}

// Close releases the underlying bbolt file handle.
func (b *BoltPKI) Close() error {
	return b.db.Close()
}
