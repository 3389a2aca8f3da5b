// Package config assembles the per-peer configuration every other
// package is constructed from: local identity, store paths, and sync
// tuning. Functional options are layered over defaults, with TOML
// load/save for the pieces that need to survive a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/p2panda/p2panda-sub000/crypto"
)

const (
	// DefaultFolderName is the directory created under the user's home
	// directory when no folder is given explicitly.
	DefaultFolderName = ".p2panda-sub000"

	identityFileName = "identity.toml"

	// DefaultResyncDelay is how long the scheduler waits before
	// retrying a (peer, topic) pair after a session completes.
	DefaultResyncDelay = 30 * time.Second
	// DefaultDiscoveryTimeout is the default Config.DiscoveryTimeout.
	// The network package does not read Config.DiscoveryTimeout; it
	// bounds each bootstrap dial with its own 5-second constant. Only
	// endpoint discovery is time-bounded; sync sessions themselves are
	// not.
	DefaultDiscoveryTimeout = 5 * time.Second
	// DefaultDedupCacheSize is the default Config.DedupCacheSize.
	// logsync and topicsync do not read Config.DedupCacheSize; they size
	// their bounded FIFO dedup caches with logsync.DefaultDedupSize (also
	// 1024).
	DefaultDedupCacheSize = 1024
	// DefaultSchedulerWorkers bounds concurrent outbound sync sessions.
	DefaultSchedulerWorkers = 4
)

// Config is the assembled configuration for one running peer.
type Config struct {
	Folder           string
	ListenAddr       string
	Bootstrap        []string
	ResyncDelay      time.Duration
	DiscoveryTimeout time.Duration
	DedupCacheSize   int
	SchedulerWorkers int
	JSONLogs         bool
	Debug            bool
}

// Option mutates a Config during construction.
type Option func(*Config)

// WithFolder overrides the folder Config stores its files under.
func WithFolder(folder string) Option {
	return func(c *Config) { c.Folder = folder }
}

// WithListenAddr sets the libp2p multiaddr this peer listens on.
func WithListenAddr(addr string) Option {
	return func(c *Config) { c.ListenAddr = addr }
}

// WithBootstrap appends multiaddrs to dial at startup.
func WithBootstrap(addrs ...string) Option {
	return func(c *Config) { c.Bootstrap = append(c.Bootstrap, addrs...) }
}

// WithResyncDelay overrides the scheduler's resync backoff.
func WithResyncDelay(d time.Duration) Option {
	return func(c *Config) { c.ResyncDelay = d }
}

// WithJSONLogs selects JSON log encoding instead of console encoding.
func WithJSONLogs(v bool) Option {
	return func(c *Config) { c.JSONLogs = v }
}

// WithDebug raises the default logger to debug level.
func WithDebug(v bool) Option {
	return func(c *Config) { c.Debug = v }
}

// NewConfig builds a Config from defaults overridden in order by opts.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		Folder:           DefaultConfigFolder(),
		ResyncDelay:      DefaultResyncDelay,
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		DedupCacheSize:   DefaultDedupCacheSize,
		SchedulerWorkers: DefaultSchedulerWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultConfigFolder returns $HOME/.p2panda-sub000.
func DefaultConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, DefaultFolderName)
}

// GroupStorePath is the bbolt file path for the auth-CRDT group store.
func (c *Config) GroupStorePath() string { return filepath.Join(c.Folder, "groups.db") }

// DCGKAStorePath is the bbolt file path for the PKI store (published
// identity keys and one-time prekeys) that DCGKA consumes.
func (c *Config) DCGKAStorePath() string { return filepath.Join(c.Folder, "pki.db") }

// LogStorePath is the bbolt file path for the per-author append-only
// log store.
func (c *Config) LogStorePath() string { return filepath.Join(c.Folder, "logs.db") }

// identityFile is the on-disk TOML encoding of a peer's long-term
// signing and agreement key pairs.
type identityFile struct {
	SigningPublic   string
	SigningPrivate  string
	AgreementPublic string
	AgreementPrivate string
}

// Identity bundles the two long-term key pairs a peer needs: the
// Ed25519 signing identity used to sign auth/DCGKA operations, and the
// X25519 agreement key X3DH uses as the peer's published "identity key".
type Identity struct {
	Signing   crypto.SigningKeyPair
	Agreement crypto.AgreementKeyPair
}

// LoadOrCreateIdentity reads the identity TOML file under c.Folder,
// generating and persisting a fresh one if none exists yet.
func (c *Config) LoadOrCreateIdentity() (Identity, error) {
	if err := os.MkdirAll(c.Folder, 0o700); err != nil {
		return Identity{}, fmt.Errorf("config: creating folder: %w", err)
	}

	path := filepath.Join(c.Folder, identityFileName)
	if _, err := os.Stat(path); err == nil {
		return loadIdentity(path)
	}

	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return Identity{}, fmt.Errorf("config: generating signing key: %w", err)
	}
	agreement, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return Identity{}, fmt.Errorf("config: generating agreement key: %w", err)
	}
	id := Identity{Signing: signing, Agreement: agreement}

	if err := saveIdentity(path, id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func loadIdentity(path string) (Identity, error) {
	var f identityFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Identity{}, fmt.Errorf("config: decoding identity file: %w", err)
	}

	signingPub, err := decodeHex(f.SigningPublic)
	if err != nil {
		return Identity{}, fmt.Errorf("config: signing public key: %w", err)
	}
	signingPriv, err := decodeHex(f.SigningPrivate)
	if err != nil {
		return Identity{}, fmt.Errorf("config: signing private key: %w", err)
	}
	agreementPub, err := decodeHex(f.AgreementPublic)
	if err != nil {
		return Identity{}, fmt.Errorf("config: agreement public key: %w", err)
	}
	agreementPriv, err := decodeHex(f.AgreementPrivate)
	if err != nil {
		return Identity{}, fmt.Errorf("config: agreement private key: %w", err)
	}

	var id Identity
	id.Signing.Public = signingPub
	id.Signing.Private = signingPriv
	copy(id.Agreement.Public[:], agreementPub)
	copy(id.Agreement.Private[:], agreementPriv)
	return id, nil
}

func saveIdentity(path string, id Identity) error {
	f := identityFile{
		SigningPublic:    encodeHex(id.Signing.Public),
		SigningPrivate:   encodeHex(id.Signing.Private),
		AgreementPublic:  encodeHex(id.Agreement.Public[:]),
		AgreementPrivate: encodeHex(id.Agreement.Private[:]),
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("config: creating identity file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(f); err != nil {
		return fmt.Errorf("config: encoding identity file: %w", err)
	}
	return nil
}
