// Package network implements the network manager: libp2p host
// construction, application-layer protocol-string dispatch for inbound
// streams, an address book fed by discovered peers, and a throttled
// per-(peer, topic) sync scheduler.
package network

import (
	"context"
	"fmt"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/p2panda/p2panda-sub000/log"
	"github.com/p2panda/p2panda-sub000/topicsync"
)

// topicPreamble is the first frame written on every newly dialed
// logsync stream, telling the acceptor which topic this session
// reconciles. libp2p's protocol IDs (negotiated by Dispatcher) carry no
// parameters of their own, so the topic travels in-band.
type topicPreamble struct {
	Topic string
}

// Manager is the top-level networking facade: it owns the libp2p host,
// dispatches inbound streams to the topic-log orchestrator, and runs
// the resync scheduler for outbound sessions.
type Manager struct {
	log        log.Logger
	host       host.Host
	pubsub     *pubsub.PubSub
	dispatcher *Dispatcher
	book       *AddressBook
	orch       *topicsync.Orchestrator
	scheduler  *Scheduler

	sessionTimeout time.Duration
}

// NewManager wires a Dispatcher and Scheduler on top of an already
// constructed libp2p host (see ConstructHost), registers the log-sync
// protocol handler, and starts the throttled sync loop.
func NewManager(h host.Host, ps *pubsub.PubSub, orch *topicsync.Orchestrator, topics TopicsOfInterest, l log.Logger, clk clock.Clock, workers int, resyncDelay, sessionTimeout time.Duration) *Manager {
	book := NewAddressBook()
	dispatcher := NewDispatcher(h, l, book)

	if sessionTimeout <= 0 {
		sessionTimeout = 2 * time.Minute
	}

	m := &Manager{
		log:            l,
		host:           h,
		pubsub:         ps,
		dispatcher:     dispatcher,
		book:           book,
		orch:           orch,
		sessionTimeout: sessionTimeout,
	}

	dispatcher.Register(LogSyncProtocolID, m.handleInbound)

	m.scheduler = NewScheduler(SchedulerConfig{
		Log:         l,
		Clock:       clk,
		Book:        book,
		Topics:      topics,
		Run:         m.runOutbound,
		Workers:     workers,
		ResyncDelay: resyncDelay,
	})

	return m
}

// Close stops the scheduler and closes the underlying host.
func (m *Manager) Close() error {
	m.scheduler.Stop()
	return m.host.Close()
}

// TopicName derives the gossipsub announce topic for a space id.
func (m *Manager) TopicName(spaceID string) string { return TopicName(spaceID) }

// handleInbound serves one freshly accepted logsync stream: it reads
// the topic preamble the dialer sent, then runs the orchestrator's
// scoped reconciliation (without live-mode; live sessions are a
// separate, application-driven concern layered on top once the
// underlying space/topic is established).
func (m *Manager) handleInbound(s libp2pnetwork.Stream) {
	defer s.Close()

	codec := newStreamCodec(s)
	ctx, cancel := context.WithTimeout(context.Background(), m.sessionTimeout)
	defer cancel()

	var preamble topicPreamble
	if err := codec.readFrame(&preamble); err != nil {
		m.log.Warnw("network: reading topic preamble", "err", err, "peer", s.Conn().RemotePeer())
		return
	}

	events := make(chan topicsync.Event, 16)
	go drainEvents(m.log, events)

	if err := m.orch.Run(ctx, topicsync.Topic(preamble.Topic), codec, codec, nil, nil, events); err != nil {
		m.log.Warnw("network: inbound sync session failed", "topic", preamble.Topic, "peer", s.Conn().RemotePeer(), "err", err)
	}
	close(events)
}

// runOutbound is the SessionRunner the scheduler drives: it dials p,
// sends the topic preamble, and runs the orchestrator's scoped
// reconciliation against the resulting stream.
func (m *Manager) runOutbound(ctx context.Context, p peer.ID, topic topicsync.Topic) error {
	ctx, cancel := context.WithTimeout(ctx, m.sessionTimeout)
	defer cancel()

	s, err := m.dispatcher.Dial(ctx, p, LogSyncProtocolID)
	if err != nil {
		return fmt.Errorf("network: dialing %s: %w", p, err)
	}
	defer s.Close()

	codec := newStreamCodec(s)
	if err := codec.writeFrame(&topicPreamble{Topic: string(topic)}); err != nil {
		return fmt.Errorf("network: sending topic preamble: %w", err)
	}

	events := make(chan topicsync.Event, 16)
	go drainEvents(m.log, events)
	defer close(events)

	return m.orch.Run(ctx, topic, codec, codec, nil, nil, events)
}

// drainEvents logs every orchestrator event at debug level until events
// is closed; callers needing events for their own purposes should
// consume topicsync.Orchestrator.Run directly instead of going through
// Manager.
func drainEvents(l log.Logger, events <-chan topicsync.Event) {
	for e := range events {
		if e.Kind == topicsync.EventFailed {
			l.Debugw("network: sync event", "kind", "failed", "err", e.Err)
			continue
		}
		l.Debugw("network: sync event", "kind", e.Kind)
	}
}
