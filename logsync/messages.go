// Package logsync implements the log reconciliation protocol: two peers
// exchange bounded `Have`/`PreSync`/`Operation`/`Done` messages over a
// sink/stream pair until their append-only per-author logs agree,
// deduplicating incoming operations against a bounded FIFO cache.
package logsync

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/p2panda/p2panda-sub000/internal/store"
)

// MessageKind tags the union of wire messages the protocol exchanges.
type MessageKind uint8

const (
	KindHave MessageKind = iota
	KindPreSync
	KindOperation
	KindDone
)

// HeightEntry is one author's per-log_id heights, the shape `Have`
// carries for every known author.
type HeightEntry struct {
	PublicKey string
	Logs      []LogHeight
}

// LogHeight is a single (log_id, latest_seq_num) pair.
type LogHeight struct {
	LogID        uint64
	LatestSeqNum uint64
}

// Have announces the sender's current heights for the logs in scope.
type Have struct {
	Heights []HeightEntry
}

// PreSync precedes a batch of Operation messages, giving the receiver
// counts to drive UI progress or backpressure decisions.
type PreSync struct {
	TotalOperations uint64
	TotalBytes      uint64
}

// OperationMessage carries one logged entry: header bytes always,
// payload bytes only when the body is being sent alongside.
type OperationMessage struct {
	HeaderBytes  []byte
	PayloadBytes []byte
}

// Done signals the sender has no more data to send for this session.
type Done struct{}

// Message is the outer envelope every frame on the wire carries,
// CBOR-encoded with the frame length prefixed by the transport.
type Message struct {
	Kind      MessageKind
	Have      *Have       `cbor:",omitempty"`
	PreSync   *PreSync    `cbor:",omitempty"`
	Operation *OperationMessage `cbor:",omitempty"`
	Done      *Done       `cbor:",omitempty"`
}

// Encode serializes m to CBOR.
func Encode(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

// Decode deserializes a CBOR-encoded Message.
func Decode(b []byte) (Message, error) {
	var m Message
	err := cbor.Unmarshal(b, &m)
	return m, err
}

// heightsFor projects store.Height values into the wire HeightEntry
// shape, grouping by author.
func heightsFor(authors []string, heights []store.Height) []HeightEntry {
	byAuthor := make(map[string][]LogHeight, len(authors))
	order := make([]string, 0, len(authors))
	seen := make(map[string]bool, len(authors))
	for _, h := range heights {
		if !seen[h.Author] {
			seen[h.Author] = true
			order = append(order, h.Author)
		}
		byAuthor[h.Author] = append(byAuthor[h.Author], LogHeight{LogID: h.LogID, LatestSeqNum: h.SeqNum})
	}
	out := make([]HeightEntry, 0, len(order))
	for _, author := range order {
		out = append(out, HeightEntry{PublicKey: author, Logs: byAuthor[author]})
	}
	return out
}
