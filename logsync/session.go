package logsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/p2panda/p2panda-sub000/internal/store"
	"github.com/p2panda/p2panda-sub000/log"
)

func decodeHeader(b []byte, out *store.Header) error {
	return cbor.Unmarshal(b, out)
}

// Sentinel errors for the protocol-violation and consistency error
// kinds a sync session can fail with.
var (
	ErrUnexpectedStreamClosure = errors.New("logsync: unexpected stream closure")
	ErrDecodeMessage           = errors.New("logsync: failed to decode message")
	ErrUnexpectedMessage       = errors.New("logsync: unexpected message type")
)

// Sink is the write half of a session's transport.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// Stream is the read half of a session's transport.
type Stream interface {
	Next(ctx context.Context) (Message, error)
}

// StatusKind tags the status events a session emits over the
// application channel.
type StatusKind int

const (
	StatusStarted StatusKind = iota
	StatusProgress
	StatusCompleted
	StatusFailed
)

// Status is one application-channel event emitted during a session.
type Status struct {
	Kind            StatusKind
	OperationsSent  uint64
	OperationsRecvd uint64
	BytesSent       uint64
	BytesRecvd      uint64
	Err             error
}

// Scope names the set of (author, log_id) logs one session reconciles,
// resolved ahead of time by the topic-log orchestrator.
type Scope struct {
	Authors []string
	LogIDs  map[string][]uint64
}

// Session runs one bi-directional log-sync exchange scoped to a fixed
// set of logs: both sides announce, stream and consume independently
// until each has sent and received Done.
type Session struct {
	log     log.Logger
	store   store.LogStore
	sink    Sink
	stream  Stream
	dedup   *DedupSet
	onEntry func(store.Entry)
	sent    uint64
	recvd   uint64
	sentB   uint64
	recvdB  uint64
}

// NewSession constructs a session over sink/stream backed by ls,
// reporting each newly accepted entry to onEntry (nil is allowed when
// the caller only cares about completion). dedup may be shared with a
// live-mode continuation; pass nil for a fresh default-sized set.
func NewSession(l log.Logger, ls store.LogStore, sink Sink, stream Stream, dedup *DedupSet, onEntry func(store.Entry)) *Session {
	if dedup == nil {
		dedup = NewDedupSet(0)
	}
	return &Session{log: l, store: ls, sink: sink, stream: stream, dedup: dedup, onEntry: onEntry}
}

// Run executes the full reconciliation procedure: send Have, consume
// the remote's Have/PreSync/Operation/Done stream while concurrently
// streaming any entries the remote needs, until both Dones have been
// exchanged.
func (s *Session) Run(ctx context.Context, scope Scope) (Status, error) {
	heights, err := s.store.Heights(scope.Authors)
	if err != nil {
		return Status{}, fmt.Errorf("computing local heights: %w", err)
	}
	if err := s.sink.Send(ctx, Message{Kind: KindHave, Have: &Have{Heights: heightsFor(scope.Authors, heights)}}); err != nil {
		return Status{}, fmt.Errorf("sending have: %w", err)
	}

	localDone := false
	remoteDone := false

	for !localDone || !remoteDone {
		msg, err := s.stream.Next(ctx)
		if err != nil {
			if remoteDone && localDone {
				break
			}
			return s.fail(ErrUnexpectedStreamClosure, err)
		}

		switch msg.Kind {
		case KindHave:
			if err := s.respondToHave(ctx, scope, *msg.Have); err != nil {
				return s.fail(ErrDecodeMessage, err)
			}
			if err := s.sink.Send(ctx, Message{Kind: KindDone}); err != nil {
				return Status{}, fmt.Errorf("sending done: %w", err)
			}
			localDone = true
		case KindPreSync:
			// counts only drive UI/backpressure; nothing to do structurally.
		case KindOperation:
			if msg.Operation == nil {
				return s.fail(ErrUnexpectedMessage, nil)
			}
			if err := s.acceptOperation(*msg.Operation); err != nil {
				return s.fail(ErrDecodeMessage, err)
			}
		case KindDone:
			remoteDone = true
		default:
			return s.fail(ErrUnexpectedMessage, nil)
		}
	}

	return Status{Kind: StatusCompleted, OperationsSent: s.sent, OperationsRecvd: s.recvd, BytesSent: s.sentB, BytesRecvd: s.recvdB}, nil
}

func (s *Session) fail(kind error, cause error) (Status, error) {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %v", kind, cause)
	}
	return Status{Kind: StatusFailed, Err: err}, err
}

// respondToHave diffs the remote's announced heights against our own
// for every (author, log_id) in scope and streams every entry the
// remote is missing, preceded by a PreSync giving it the counts up
// front. A log in scope the remote did not announce at all is sent from
// the beginning: absence means they hold nothing for it.
func (s *Session) respondToHave(ctx context.Context, scope Scope, have Have) error {
	remote := make(map[string]map[uint64]uint64, len(have.Heights))
	for _, entry := range have.Heights {
		logs := make(map[uint64]uint64, len(entry.Logs))
		for _, lh := range entry.Logs {
			logs[lh.LogID] = lh.LatestSeqNum
		}
		remote[entry.PublicKey] = logs
	}

	var toSend []store.Entry
	var totalBytes uint64

	for _, author := range scope.Authors {
		logIDs := scope.LogIDs[author]
		if len(logIDs) == 0 {
			// No explicit log set for this author: cover every log we
			// hold locally plus everything the remote announced.
			seenLog := map[uint64]bool{}
			heights, err := s.store.Heights([]string{author})
			if err != nil {
				return err
			}
			for _, h := range heights {
				if !seenLog[h.LogID] {
					seenLog[h.LogID] = true
					logIDs = append(logIDs, h.LogID)
				}
			}
			for logID := range remote[author] {
				if !seenLog[logID] {
					seenLog[logID] = true
					logIDs = append(logIDs, logID)
				}
			}
		}

		for _, logID := range logIDs {
			var needsFrom uint64
			if latest, ok := remote[author][logID]; ok {
				needsFrom = latest + 1
			}
			localLatest, ok, err := s.store.Latest(author, logID)
			if err != nil {
				return err
			}
			if !ok || localLatest < needsFrom {
				continue
			}
			entries, err := s.store.EntriesFrom(author, logID, needsFrom)
			if err != nil {
				return err
			}
			for _, e := range entries {
				totalBytes += e.Header.PayloadSize
				toSend = append(toSend, e)
			}
		}
	}

	if err := s.sink.Send(ctx, Message{Kind: KindPreSync, PreSync: &PreSync{TotalOperations: uint64(len(toSend)), TotalBytes: totalBytes}}); err != nil {
		return err
	}
	for _, e := range toSend {
		headerBytes, err := e.Header.SigningBytes()
		if err != nil {
			return err
		}
		if err := s.sink.Send(ctx, Message{Kind: KindOperation, Operation: &OperationMessage{HeaderBytes: headerBytes, PayloadBytes: e.Body}}); err != nil {
			return err
		}
		s.sent++
		s.sentB += e.Header.PayloadSize
	}
	return nil
}

// acceptOperation decodes and (if not a duplicate) appends an incoming
// operation, invoking onEntry so the caller can project it into
// auth/DCGKA processing.
func (s *Session) acceptOperation(op OperationMessage) error {
	var header store.Header
	if err := decodeHeader(op.HeaderBytes, &header); err != nil {
		return err
	}
	id := fmt.Sprintf("%s/%d/%d", header.Author, header.LogID, header.SeqNum)
	if s.dedup.Seen(id) {
		return nil
	}

	entry := store.Entry{Header: header, Body: op.PayloadBytes}
	if err := s.store.Append(entry); err != nil {
		return err
	}
	s.recvd++
	s.recvdB += header.PayloadSize
	if s.onEntry != nil {
		s.onEntry(entry)
	}
	return nil
}
