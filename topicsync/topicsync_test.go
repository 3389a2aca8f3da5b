package topicsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/p2panda/p2panda-sub000/internal/store"
)

type memLogStore struct{ appended []store.Entry }

func (m *memLogStore) Append(e store.Entry) error { m.appended = append(m.appended, e); return nil }
func (m *memLogStore) Latest(string, uint64) (uint64, bool, error) { return 0, false, nil }
func (m *memLogStore) EntriesFrom(string, uint64, uint64) ([]store.Entry, error) { return nil, nil }
func (m *memLogStore) Heights([]string) ([]store.Height, error) { return nil, nil }

type fakeLiveTransport struct {
	in  chan LiveMessage
	out chan LiveMessage
}

func (f *fakeLiveTransport) SendLive(_ context.Context, m LiveMessage) error {
	f.out <- m
	return nil
}

func (f *fakeLiveTransport) NextLive(ctx context.Context) (LiveMessage, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-ctx.Done():
		return LiveMessage{}, ctx.Err()
	}
}

func TestRunLiveBridgesLocalAndRemote(t *testing.T) {
	ls := &memLogStore{}
	o := NewOrchestrator(nil, ls, nil)

	transport := &fakeLiveTransport{in: make(chan LiveMessage, 4), out: make(chan LiveMessage, 4)}
	local := make(chan ToSync, 4)
	events := make(chan Event, 16)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	var metrics Metrics
	var runErr error
	go func() {
		metrics, runErr = o.runLive(ctx, &LivePair{Sink: transport, Stream: transport}, local, nil, events)
		close(done)
	}()

	transport.in <- LiveMessage{Kind: LiveData, Header: store.Header{Author: "alice", LogID: 0, SeqNum: 0, PayloadSize: 3}, Body: []byte("one")}
	local <- ToSync{Kind: ToSyncPayload, Entry: store.Entry{Header: store.Header{Author: "bob", LogID: 0, SeqNum: 0, PayloadSize: 3}, Body: []byte("two")}}

	local <- ToSync{Kind: ToSyncClose}
	transport.in <- LiveMessage{Kind: LiveClose}

	<-done
	require.NoError(t, runErr)
	require.Equal(t, uint64(1), metrics.OperationsReceived)
	require.Equal(t, uint64(1), metrics.OperationsSent)
	require.Len(t, ls.appended, 1)

	sent := <-transport.out
	require.Equal(t, LiveData, sent.Kind)
	closeMsg := <-transport.out
	require.Equal(t, LiveClose, closeMsg.Kind)
}
