package store

import (
	"time"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/twoparty"
)

// DcgkaPKI adapts a crypto.PKI (string-keyed member identities, used by
// the BoltPKI/in-memory registries) to the narrower dcgka.PKI capability
// interface DCGKA depends on: fixed-size identity keys and
// twoparty.PreKeyBundle rather than crypto.PreKeyBundle. DCGKA and the
// PKI registries are deliberately separate packages; this is the seam
// between them.
type DcgkaPKI struct {
	Backing crypto.PKI
	Clock   func() time.Time
}

// NewDcgkaPKI wraps backing for DCGKA use, sourcing "now" from
// time.Now unless a different clock is supplied.
func NewDcgkaPKI(backing crypto.PKI) *DcgkaPKI {
	return &DcgkaPKI{Backing: backing, Clock: time.Now}
}

// IdentityKey implements dcgka.PKI.
func (p *DcgkaPKI) IdentityKey(member auth.ID) ([32]byte, bool) {
	key, ok := p.Backing.IdentityKey(string(member))
	if !ok {
		return [32]byte{}, false
	}
	return key.Public, true
}

// ConsumePreKeyBundle implements dcgka.PKI, converting the registry's
// crypto.PreKeyBundle into the twoparty.PreKeyBundle X3DH consumes.
// Encrypting against an expired bundle must fail, so expiry is checked
// here rather than left to the handshake.
func (p *DcgkaPKI) ConsumePreKeyBundle(member auth.ID) (twoparty.PreKeyBundle, error) {
	now := time.Now
	if p.Clock != nil {
		now = p.Clock
	}
	bundle, err := p.Backing.ConsumeOneTimeBundle(string(member), now())
	if err != nil {
		return twoparty.PreKeyBundle{}, err
	}
	if bundle.Expired(now()) {
		return twoparty.PreKeyBundle{}, crypto.ErrPreKeyBundleExpired
	}
	return twoparty.PreKeyBundle{
		IdentityKey: bundle.IdentityKey.Public,
		OneTimeKey:  bundle.OneTimeKey.Public,
	}, nil
}
