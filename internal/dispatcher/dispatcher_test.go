package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aarongabrielcy/codec-gateway/internal/events"
	"github.com/aarongabrielcy/codec-gateway/internal/registry"
)

type fakeSession struct {
	id string

	mu      sync.Mutex
	pending []string
	writes  [][]byte
	writeErr error
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, frame)
	return nil
}

func (f *fakeSession) EnqueuePending(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, id)
	return nil
}

func (f *fakeSession) DequeuePending() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return "", false
	}
	id := f.pending[0]
	f.pending = f.pending[1:]
	return id, true
}

func (f *fakeSession) RemovePending(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeSession) DrainPending() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.pending
	f.pending = nil
	return d
}

func (f *fakeSession) PendingLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func newTestDispatcher(t *testing.T, maxPending int) (*Dispatcher, *registry.Registry, *fakeSession) {
	t.Helper()
	reg := registry.New()
	sess := &fakeSession{id: "s1"}
	require.True(t, reg.Bind("123456789012345", sess))
	return New(reg, nil, maxPending), reg, sess
}

func TestSend_DeviceNotConnected(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 8)
	fut, err := d.Send(context.Background(), "000000000000000", "getver", time.Second)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultDeviceNotConnected, result.Kind)
}

func TestSend_ResolvedByOnResponse_FIFO(t *testing.T) {
	d, _, sess := newTestDispatcher(t, 8)

	fut1, err := d.Send(context.Background(), "123456789012345", "getver", time.Second)
	require.NoError(t, err)
	fut2, err := d.Send(context.Background(), "123456789012345", "iccid", time.Second)
	require.NoError(t, err)

	assert.Equal(t, 2, sess.PendingLen())

	d.OnResponse(sess, "123456789012345", "ver:1.0")
	d.OnResponse(sess, "123456789012345", "8952020924380762238")

	r1, err := fut1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultResponse, r1.Kind)
	assert.Equal(t, "ver:1.0", r1.Text)

	r2, err := fut2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8952020924380762238", r2.Text)
}

func TestSend_Backpressure(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 1)

	_, err := d.Send(context.Background(), "123456789012345", "cmd1", time.Second)
	require.NoError(t, err)

	_, err = d.Send(context.Background(), "123456789012345", "cmd2", time.Second)
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestSend_Timeout(t *testing.T) {
	d, _, _ := newTestDispatcher(t, 8)

	fut, err := d.Send(context.Background(), "123456789012345", "cmd1", 10*time.Millisecond)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultTimeout, result.Kind)
}

func TestSend_WriteError(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{id: "s1", writeErr: errWrite{}}
	require.True(t, reg.Bind("123456789012345", sess))
	d := New(reg, nil, 8)

	fut, err := d.Send(context.Background(), "123456789012345", "cmd1", time.Second)
	require.NoError(t, err)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultWriteError, result.Kind)
}

func TestOnResponse_UnsolicitedDeliveredAsEvent(t *testing.T) {
	reg := registry.New()
	sess := &fakeSession{id: "s1"}
	reg.Bind("123456789012345", sess)

	var got events.Event
	sink := events.SinkFunc(func(e events.Event) { got = e })
	d := New(reg, sink, 8)

	d.OnResponse(sess, "123456789012345", "unexpected text")

	assert.Equal(t, events.KindCommandResponse, got.Kind)
	assert.False(t, got.Solicited)
	assert.Equal(t, "unexpected text", got.ResponseText)
}

func TestSessionTornDown_ResolvesRemainingPending(t *testing.T) {
	d, _, sess := newTestDispatcher(t, 8)

	fut, err := d.Send(context.Background(), "123456789012345", "cmd1", time.Second)
	require.NoError(t, err)

	d.SessionTornDown(sess)

	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSessionGone, result.Kind)
}

type errWrite struct{}

func (errWrite) Error() string { return "write failed" }
