package network

import (
	"context"
	"math/rand"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/p2panda/p2panda-sub000/log"
	"github.com/p2panda/p2panda-sub000/topicsync"
)

// AddressBook tracks every peer this node has discovered, either via
// direct connection or gossipsub peer exchange. It is the source of
// truth the scheduler consults for who to sync with.
type AddressBook struct {
	mu    sync.Mutex
	peers map[peer.ID]struct{}
}

// NewAddressBook returns an empty AddressBook.
func NewAddressBook() *AddressBook {
	return &AddressBook{peers: make(map[peer.ID]struct{})}
}

// Add records p as known, a no-op if already present.
func (b *AddressBook) Add(p peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[p] = struct{}{}
}

// Peers returns a snapshot of every known peer.
func (b *AddressBook) Peers() []peer.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]peer.ID, 0, len(b.peers))
	for p := range b.peers {
		out = append(out, p)
	}
	return out
}

// TopicsOfInterest reports the topics a peer should be synced on. The
// network manager's owner supplies this; it is typically backed by
// whichever spaces the local peer currently belongs to.
type TopicsOfInterest func() []topicsync.Topic

// SessionRunner opens a sync session against a remote peer scoped to
// topic and runs it to completion. It is supplied by whatever wires
// topicsync.Orchestrator to a concrete stream (see Manager.runOutbound).
type SessionRunner func(ctx context.Context, p peer.ID, topic topicsync.Topic) error

// SchedulerConfig configures the throttled per-(peer, topic) sync
// scheduler: keep at most one sync in flight per (peer, topic), retry
// finished ones after a resync delay.
type SchedulerConfig struct {
	Log         log.Logger
	Clock       clock.Clock
	Book        *AddressBook
	Topics      TopicsOfInterest
	Run         SessionRunner
	Workers     int
	ResyncDelay time.Duration
	TickPeriod  time.Duration
}

// Scheduler drives sync sessions against known peers on their topics of
// interest, never running more than one session per (peer, topic)
// concurrently, and waiting ResyncDelay after a session completes (with
// or without error) before retrying that pair.
type Scheduler struct {
	c SchedulerConfig

	mu       sync.Mutex
	active   map[pairKey]struct{}
	nextTry  map[pairKey]time.Time
	work     chan pairKey
	stop     chan struct{}
	stopOnce sync.Once
}

type pairKey struct {
	peer  peer.ID
	topic topicsync.Topic
}

const (
	defaultWorkers     = 4
	defaultResyncDelay = 30 * time.Second
	defaultTickPeriod  = 5 * time.Second
	workQueueDepth     = 256
)

// NewScheduler constructs a Scheduler and starts its worker pool and
// dispatch loop. Call Stop to shut it down.
func NewScheduler(c SchedulerConfig) *Scheduler {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.ResyncDelay <= 0 {
		c.ResyncDelay = defaultResyncDelay
	}
	if c.TickPeriod <= 0 {
		c.TickPeriod = defaultTickPeriod
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}

	s := &Scheduler{
		c:       c,
		active:  make(map[pairKey]struct{}),
		nextTry: make(map[pairKey]time.Time),
		work:    make(chan pairKey, workQueueDepth),
		stop:    make(chan struct{}),
	}

	for i := 0; i < c.Workers; i++ {
		go s.worker()
	}
	go s.dispatchLoop()
	return s
}

// Stop halts the dispatch loop and worker pool. In-flight sessions are
// not cancelled; callers that need that should cancel a shared context
// passed to Run instead.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// dispatchLoop periodically enumerates known (peer, topic) pairs and
// enqueues every one that is neither active nor in its resync backoff.
func (s *Scheduler) dispatchLoop() {
	for {
		select {
		case <-s.stop:
			return
		case <-s.c.Clock.After(s.c.TickPeriod):
			s.enqueueDue()
		}
	}
}

func (s *Scheduler) enqueueDue() {
	peers := s.c.Book.Peers()
	topics := s.c.Topics()
	if len(peers) == 0 || len(topics) == 0 {
		return
	}

	now := s.c.Clock.Now()
	pairs := make([]pairKey, 0, len(peers)*len(topics))
	for _, p := range peers {
		for _, t := range topics {
			pairs = append(pairs, pairKey{peer: p, topic: t})
		}
	}
	rand.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pk := range pairs {
		if _, busy := s.active[pk]; busy {
			continue
		}
		if due, ok := s.nextTry[pk]; ok && now.Before(due) {
			continue
		}
		s.active[pk] = struct{}{}
		select {
		case s.work <- pk:
		default:
			delete(s.active, pk)
			s.c.Log.Warnw("scheduler: work queue full, dropping pair", "peer", pk.peer, "topic", pk.topic)
		}
	}
}

func (s *Scheduler) worker() {
	for {
		select {
		case <-s.stop:
			return
		case pk := <-s.work:
			s.runOne(pk)
		}
	}
}

func (s *Scheduler) runOne(pk pairKey) {
	err := s.c.Run(context.Background(), pk.peer, pk.topic)
	if err != nil {
		s.c.Log.Warnw("scheduler: sync session failed", "peer", pk.peer, "topic", pk.topic, "err", err)
	}

	s.mu.Lock()
	delete(s.active, pk)
	s.nextTry[pk] = s.c.Clock.Now().Add(s.c.ResyncDelay)
	s.mu.Unlock()
}
