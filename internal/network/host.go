package network

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	libp2ptls "github.com/libp2p/go-libp2p/p2p/security/tls"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/p2panda/p2panda-sub000/log"
)

const (
	userAgent        = "p2panda-sub000/0.0.0"
	lowWater         = 50
	highWater        = 200
	gracePeriod      = time.Minute
	bootstrapTimeout = 5 * time.Second
)

// TopicName derives the gossipsub topic name for a space id.
func TopicName(spaceID string) string {
	return fmt.Sprintf("/p2panda-sub000/pubsub/v0/%s", spaceID)
}

// ConstructHost builds a libp2p host for this peer, optionally listening
// at listenAddr and eagerly dialing bootstrap addresses in the
// background.
func ConstructHost(ctx context.Context, priv libp2pcrypto.PrivKey, listenAddr string, bootstrap []ma.Multiaddr, l log.Logger) (host.Host, *pubsub.PubSub, error) {
	addrInfos, err := peer.AddrInfosFromP2pAddrs(bootstrap...)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing bootstrap addresses: %w", err)
	}

	cmgr, err := connmgr.NewConnManager(lowWater, highWater, connmgr.WithGracePeriod(gracePeriod))
	if err != nil {
		return nil, nil, fmt.Errorf("constructing connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ChainOptions(
			libp2p.Security(libp2ptls.ID, libp2ptls.New),
			libp2p.Security(noise.ID, noise.New),
		),
		libp2p.DisableRelay(),
		libp2p.UserAgent(userAgent),
		libp2p.ConnectionManager(cmgr),
	}
	if listenAddr != "" {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddr))
	} else {
		opts = append(opts, libp2p.NoListenAddrs)
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing pubsub: %w", err)
	}

	go func() {
		mrand.Shuffle(len(addrInfos), func(i, j int) {
			addrInfos[i], addrInfos[j] = addrInfos[j], addrInfos[i]
		})
		for _, ai := range addrInfos {
			dialCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
			err := h.Connect(dialCtx, ai)
			cancel()
			if err != nil {
				l.Warnw("bootstrap dial failed", "addr", ai, "err", err)
			}
		}
	}()

	return h, ps, nil
}
