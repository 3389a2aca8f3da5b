// Package topicsync implements the topic-log orchestrator: it resolves
// an application-defined topic into the (author, log_id) scope logsync
// should reconcile, runs that reconciliation, and optionally continues
// into a live-mode select loop bridging remote Live/Close traffic with
// a local subscription channel.
package topicsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/p2panda/p2panda-sub000/internal/store"
	"github.com/p2panda/p2panda-sub000/log"
	"github.com/p2panda/p2panda-sub000/logsync"
)

// Topic is an opaque application-defined identifier for a stream of
// operations (e.g. a space id).
type Topic string

// TopicLogMap translates a Topic into the logs that carry its data.
type TopicLogMap interface {
	LogsFor(topic Topic) (authors []string, logIDsByAuthor map[string][]uint64)
}

// EventKind tags the events emitted to the application channel.
type EventKind int

const (
	EventSyncStarted EventKind = iota
	EventSyncStatus
	EventSyncFinished
	EventLiveModeStarted
	EventLiveModeFinished
	EventOperation
	EventSuccess
	EventFailed
)

// Event is one application-channel event the orchestrator emits.
type Event struct {
	Kind    EventKind
	Status  logsync.Status
	Entry   store.Entry
	Err     error
}

// ErrDecodeLive is a live-mode decode failure; it always ends live-mode.
var ErrDecodeLive = errors.New("topicsync: failed to decode live message")

// LiveMessageKind distinguishes the two live-mode message shapes that
// flow over the remote connection once initial reconciliation is done.
type LiveMessageKind int

const (
	LiveData LiveMessageKind = iota
	LiveClose
)

// LiveMessage is a message exchanged with the remote once in live-mode:
// either a fresh operation (header + body) or a close notification.
type LiveMessage struct {
	Kind   LiveMessageKind
	Header store.Header
	Body   []byte
}

// ToSyncKind distinguishes the two things the local application can ask
// the live-mode loop to do.
type ToSyncKind int

const (
	ToSyncPayload ToSyncKind = iota
	ToSyncClose
)

// ToSync is a message the local application sends into the live-mode
// loop over its subscription channel.
type ToSync struct {
	Kind  ToSyncKind
	Entry store.Entry
}

// LiveSink/LiveStream mirror logsync.Sink/Stream but carry LiveMessage
// once the initial reconciliation handshake has completed.
type LiveSink interface {
	SendLive(ctx context.Context, m LiveMessage) error
}

type LiveStream interface {
	NextLive(ctx context.Context) (LiveMessage, error)
}

// Metrics accumulates the live-mode counters reported with the
// termination event.
type Metrics struct {
	OperationsReceived uint64
	OperationsSent     uint64
	BytesReceived      uint64
	BytesSent          uint64
}

// Orchestrator drives one topic's full sync lifecycle: scoped log-sync
// reconciliation, then an optional live-mode loop.
type Orchestrator struct {
	log    log.Logger
	store  store.LogStore
	topics TopicLogMap
}

// NewOrchestrator constructs an Orchestrator over ls using topics to
// resolve each Topic's scope.
func NewOrchestrator(l log.Logger, ls store.LogStore, topics TopicLogMap) *Orchestrator {
	return &Orchestrator{log: l, store: ls, topics: topics}
}

// scopeFor converts a TopicLogMap resolution into a logsync.Scope.
func (o *Orchestrator) scopeFor(topic Topic) logsync.Scope {
	authors, byAuthor := o.topics.LogsFor(topic)
	return logsync.Scope{Authors: authors, LogIDs: byAuthor}
}

// Run executes scoped log-sync reconciliation for topic, then (if live
// is non-nil) continues into the live-mode select loop, emitting events
// on events as it progresses. It always emits exactly one of Success or
// Failed before returning.
func (o *Orchestrator) Run(ctx context.Context, topic Topic, sink logsync.Sink, stream logsync.Stream, live *LivePair, local <-chan ToSync, events chan<- Event) error {
	events <- Event{Kind: EventSyncStarted}

	scope := o.scopeFor(topic)
	var applied []store.Entry
	// One dedup set covers both phases: an operation received during
	// reconciliation is dropped if it arrives again over live-mode, and
	// vice versa.
	dedup := logsync.NewDedupSet(0)
	sess := logsync.NewSession(o.log, o.store, sink, stream, dedup, func(e store.Entry) { applied = append(applied, e) })

	status, err := sess.Run(ctx, scope)
	for _, e := range applied {
		events <- Event{Kind: EventOperation, Entry: e}
	}
	if err != nil {
		events <- Event{Kind: EventFailed, Err: err}
		return fmt.Errorf("topicsync: reconciling topic %s: %w", topic, err)
	}
	events <- Event{Kind: EventSyncFinished, Status: status}

	if live == nil {
		events <- Event{Kind: EventSuccess}
		return nil
	}

	events <- Event{Kind: EventLiveModeStarted}
	metrics, err := o.runLive(ctx, live, local, dedup, events)
	if err != nil {
		events <- Event{Kind: EventFailed, Err: err}
		return fmt.Errorf("topicsync: live mode for topic %s: %w", topic, err)
	}
	events <- Event{Kind: EventLiveModeFinished, Status: logsync.Status{
		OperationsSent:  metrics.OperationsSent,
		OperationsRecvd: metrics.OperationsReceived,
		BytesSent:       metrics.BytesSent,
		BytesRecvd:      metrics.BytesReceived,
	}}
	events <- Event{Kind: EventSuccess}
	return nil
}

// LivePair bundles the live-mode sink/stream halves.
type LivePair struct {
	Sink   LiveSink
	Stream LiveStream
}

// runLive bridges remote Live/Close traffic and the local subscription
// channel until either side closes, deduplicating against a bounded
// FIFO set the same way the initial reconciliation does.
func (o *Orchestrator) runLive(ctx context.Context, live *LivePair, local <-chan ToSync, dedup *logsync.DedupSet, events chan<- Event) (Metrics, error) {
	var metrics Metrics
	if dedup == nil {
		dedup = logsync.NewDedupSet(0)
	}

	remoteMsgs := make(chan LiveMessage)
	remoteErrs := make(chan error, 1)
	go func() {
		for {
			m, err := live.Stream.NextLive(ctx)
			if err != nil {
				remoteErrs <- err
				return
			}
			remoteMsgs <- m
			if m.Kind == LiveClose {
				return
			}
		}
	}()

	localClosed := false
	remoteClosedSeen := false

	for {
		select {
		case <-ctx.Done():
			return metrics, ctx.Err()

		case err := <-remoteErrs:
			return metrics, fmt.Errorf("%w: %v", ErrDecodeLive, err)

		case m := <-remoteMsgs:
			if m.Kind == LiveClose {
				remoteClosedSeen = true
				if localClosed {
					return metrics, nil
				}
				continue
			}
			id := fmt.Sprintf("%s/%d/%d", m.Header.Author, m.Header.LogID, m.Header.SeqNum)
			if dedup.Seen(id) {
				continue
			}
			entry := store.Entry{Header: m.Header, Body: m.Body}
			if err := o.store.Append(entry); err != nil {
				return metrics, err
			}
			metrics.OperationsReceived++
			metrics.BytesReceived += m.Header.PayloadSize
			events <- Event{Kind: EventOperation, Entry: entry}

		case msg, ok := <-local:
			if !ok {
				return metrics, nil
			}
			switch msg.Kind {
			case ToSyncPayload:
				if err := live.Sink.SendLive(ctx, LiveMessage{Kind: LiveData, Header: msg.Entry.Header, Body: msg.Entry.Body}); err != nil {
					return metrics, err
				}
				metrics.OperationsSent++
				metrics.BytesSent += msg.Entry.Header.PayloadSize
			case ToSyncClose:
				if err := live.Sink.SendLive(ctx, LiveMessage{Kind: LiveClose}); err != nil {
					return metrics, err
				}
				localClosed = true
				if remoteClosedSeen {
					return metrics, nil
				}
			}
		}
	}
}
