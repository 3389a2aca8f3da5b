// Command p2panda-sub000d runs the network-manager daemon for one peer:
// it loads (or generates) the peer's long-term identity, opens its
// bbolt-backed group/PKI/log stores, constructs a libp2p host, and
// starts the throttled topic-log sync scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/p2panda/p2panda-sub000/auth"
	"github.com/p2panda/p2panda-sub000/config"
	"github.com/p2panda/p2panda-sub000/crypto"
	"github.com/p2panda/p2panda-sub000/internal/network"
	"github.com/p2panda/p2panda-sub000/internal/store"
	"github.com/p2panda/p2panda-sub000/log"
	"github.com/p2panda/p2panda-sub000/spaces"
	"github.com/p2panda/p2panda-sub000/topicsync"
)

var (
	version   = "0.0.0"
	gitCommit = "none"
)

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: config.DefaultConfigFolder(),
	Usage: "Folder to keep identity, group/PKI/log stores in, with absolute path.",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "Multiaddr to listen on, e.g. /ip4/0.0.0.0/tcp/4001.",
}

var bootstrapFlag = &cli.StringSliceFlag{
	Name:  "bootstrap",
	Usage: "Multiaddr of a peer to dial at startup; may be repeated.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level.",
}

var jsonLogsFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "Emit logs as JSON instead of console-formatted text.",
}

func main() {
	app := &cli.App{
		Name:    "p2panda-sub000d",
		Version: fmt.Sprintf("%s (%s)", version, gitCommit),
		Usage:   "decentralized end-to-end encrypted group collaboration daemon",
		Commands: []*cli.Command{
			identityCommand,
			startCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var identityCommand = &cli.Command{
	Name:  "identity",
	Usage: "print this peer's long-term identity, generating one if none exists",
	Flags: []cli.Flag{folderFlag},
	Action: func(c *cli.Context) error {
		cfg := config.NewConfig(config.WithFolder(c.String("folder")))
		id, err := cfg.LoadOrCreateIdentity()
		if err != nil {
			return err
		}
		fmt.Printf("signing public key:   %x\n", []byte(id.Signing.Public))
		fmt.Printf("agreement public key: %x\n", id.Agreement.Public)
		return nil
	},
}

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "start the network manager daemon",
	Flags: []cli.Flag{folderFlag, listenFlag, bootstrapFlag, verboseFlag, jsonLogsFlag},
	Action: func(c *cli.Context) error {
		opts := []config.Option{
			config.WithFolder(c.String("folder")),
			config.WithListenAddr(c.String("listen")),
			config.WithBootstrap(c.StringSlice("bootstrap")...),
			config.WithDebug(c.Bool("verbose")),
			config.WithJSONLogs(c.Bool("json-logs")),
		}
		return runDaemon(config.NewConfig(opts...))
	},
}

func runDaemon(cfg *config.Config) error {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	l := log.New(os.Stdout, level, cfg.JSONLogs)

	id, err := cfg.LoadOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}

	priv, err := libp2pcrypto.UnmarshalEd25519PrivateKey(id.Signing.Private)
	if err != nil {
		return fmt.Errorf("converting signing key to libp2p key: %w", err)
	}

	bootstrap := make([]ma.Multiaddr, 0, len(cfg.Bootstrap))
	for _, addr := range cfg.Bootstrap {
		a, err := ma.NewMultiaddr(addr)
		if err != nil {
			return fmt.Errorf("parsing bootstrap addr %q: %w", addr, err)
		}
		bootstrap = append(bootstrap, a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, ps, err := network.ConstructHost(ctx, priv, cfg.ListenAddr, bootstrap, l)
	if err != nil {
		return fmt.Errorf("constructing host: %w", err)
	}
	defer h.Close()

	groupStore, err := auth.NewBoltGroupStore(l, cfg.Folder, boltOpts())
	if err != nil {
		return fmt.Errorf("opening group store: %w", err)
	}
	logStore, err := store.NewBoltLogStore(l, cfg.Folder, boltOpts())
	if err != nil {
		return fmt.Errorf("opening log store: %w", err)
	}
	defer logStore.Close()
	pkiStore, err := store.NewBoltPKI(l, cfg.Folder, boltOpts())
	if err != nil {
		return fmt.Errorf("opening PKI store: %w", err)
	}
	defer pkiStore.Close()

	// Publish our own identity key and a batch of one-time prekeys so
	// other peers can key us into their spaces, then stand up the
	// spaces manager over the shared stores.
	myID := fmt.Sprintf("%x", []byte(id.Signing.Public))
	if err := pkiStore.PublishIdentityKey(myID, id.Agreement); err != nil {
		return fmt.Errorf("publishing identity key: %w", err)
	}
	oneTime, err := crypto.GenerateAgreementKeyPair()
	if err != nil {
		return fmt.Errorf("generating one-time prekey: %w", err)
	}
	bundles := []crypto.PreKeyBundle{{
		IdentityKey: id.Agreement,
		OneTimeKey:  oneTime,
		ExpiresAt:   time.Now().Add(30 * 24 * time.Hour),
	}}
	if err := pkiStore.PublishOneTimeBundles(myID, bundles); err != nil {
		return fmt.Errorf("publishing one-time prekeys: %w", err)
	}

	spacesMgr := spaces.NewManager(l, auth.Individual(auth.ID(myID)),
		id.Agreement, oneTime, groupStore,
		auth.NewHashOrderer(), auth.DeterministicResolver{}, store.NewDcgkaPKI(pkiStore))
	go repairLoop(ctx, l, spacesMgr, cfg.ResyncDelay)

	topics := topicsync.NewStaticTopicLogMap()
	orch := topicsync.NewOrchestrator(l, logStore, topics)

	mgr := network.NewManager(h, ps, orch, func() []topicsync.Topic { return topics.Topics() },
		l, nil, cfg.SchedulerWorkers, cfg.ResyncDelay, 0)
	defer mgr.Close()

	l.Infow("daemon started", "peer", h.ID(), "addrs", h.Addrs())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	l.Infow("shutting down")
	return nil
}

// repairLoop periodically checks whether any space's auth membership
// has outrun its keying (a concurrent add landed after the space's last
// membership message) and issues the repairing DCGKA adds.
func repairLoop(ctx context.Context, l log.Logger, mgr *spaces.Manager, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids := mgr.RequiringRepair()
			if len(ids) == 0 {
				continue
			}
			msgs, err := mgr.RepairSpaces(ids)
			if err != nil {
				l.Errorw("repairing spaces", "err", err)
				continue
			}
			l.Infow("repaired spaces", "spaces", ids, "messages", len(msgs))
		}
	}
}

func boltOpts() *bolt.Options {
	return &bolt.Options{Timeout: 0}
}
