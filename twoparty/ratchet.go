package twoparty

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/p2panda/p2panda-sub000/crypto"
)

// ErrNoHandshake is returned when a first message from a peer carries
// no handshake material and no session exists yet to decrypt it with.
var ErrNoHandshake = errors.New("twoparty: message carries no handshake and no session exists")

// Message is one sealed 2-party payload on the wire. Handshake is
// present on every message sent by the session's initiator, so the
// responder can bootstrap their half of the session from whichever
// message happens to arrive first; once a responder session exists the
// material is ignored.
type Message struct {
	Handshake *Handshake
	Body      []byte
}

// Session is a persisted 2-party secure-messaging session between us and
// one remote peer: a root secret established by X3DH, ratcheted forward
// by a symmetric chain in each direction. This covers DCGKA's "2SM"
// requirement (encrypt/decrypt a member secret to exactly one recipient)
// without the full asymmetric DH-ratchet step a long-lived 1:1 chat
// would need, since every DCGKA direct message is a one-shot delivery of
// a single secret rather than an open-ended conversation.
type Session struct {
	sendChain crypto.ChainSecret
	recvChain crypto.ChainSecret

	// hs is set on initiator sessions and attached to every outgoing
	// message, since we cannot know which of our messages the responder
	// will see first.
	hs *Handshake
}

// NewInitiatorSession establishes a session as the party who looked up
// the peer's prekey bundle. The handshake material is remembered and
// attached to every message Seal produces.
func NewInitiatorSession(bundle PreKeyBundle) (*Session, error) {
	root, hs, err := InitiateHandshake(bundle)
	if err != nil {
		return nil, err
	}
	var rootSecret crypto.Secret
	copy(rootSecret[:], root)
	s := sessionFromRoot(rootSecret)
	s.hs = &hs
	return s, nil
}

// NewResponderSession establishes a session as the bundle's owner, given
// the initiator's handshake material.
func NewResponderSession(myIdentityPriv, myOneTimePriv [32]byte, hs Handshake) (*Session, error) {
	root, err := RespondHandshake(myIdentityPriv, myOneTimePriv, hs)
	if err != nil {
		return nil, err
	}
	var rootSecret crypto.Secret
	copy(rootSecret[:], root)
	return sessionFromRoot(rootSecret), nil
}

func sessionFromRoot(root crypto.Secret) *Session {
	// Both directions start from the same root; each advances
	// independently as its side seals or opens, so the initiator's send
	// chain stays in lockstep with the responder's receive chain as long
	// as per-direction delivery order holds (which causal broadcast
	// gives us).
	return &Session{sendChain: root, recvChain: root}
}

// Seal encrypts plaintext under the current sending chain position and
// advances that chain, giving each message its own key (forward secret
// once the old chain value is overwritten).
func (s *Session) Seal(plaintext []byte) (Message, error) {
	key, err := crypto.DeriveAEADKey(s.sendChain, nil, "msg-key", chacha20poly1305.KeySize)
	if err != nil {
		return Message{}, fmt.Errorf("deriving message key: %w", err)
	}
	next, err := crypto.DeriveChainSecret(s.sendChain)
	if err != nil {
		return Message{}, fmt.Errorf("advancing send chain: %w", err)
	}
	s.sendChain.Zero()
	s.sendChain = next

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Message{}, fmt.Errorf("constructing aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Message{}, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return Message{Handshake: s.hs, Body: append(nonce, sealed...)}, nil
}

// Open decrypts a message produced by the peer's Seal and advances the
// receiving chain to match.
func (s *Session) Open(msg Message) ([]byte, error) {
	key, err := crypto.DeriveAEADKey(s.recvChain, nil, "msg-key", chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving message key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("constructing aead: %w", err)
	}
	if len(msg.Body) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, sealed := msg.Body[:aead.NonceSize()], msg.Body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting direct message: %w", err)
	}

	next, err := crypto.DeriveChainSecret(s.recvChain)
	if err != nil {
		return nil, fmt.Errorf("advancing receive chain: %w", err)
	}
	s.recvChain.Zero()
	s.recvChain = next

	return plaintext, nil
}
