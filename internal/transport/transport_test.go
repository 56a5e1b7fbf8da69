package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type textDecoder struct{}

func (textDecoder) Decode(data []byte) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", err
	}
	return s, nil
}

func newTestManyOut() (*ManyOut[string], chan *nats.Msg) {
	ch := make(chan *nats.Msg, 8)
	return &ManyOut[string]{ch: ch, dec: textDecoder{}}, ch
}

func envelopeBytes(t *testing.T, completeFinal bool, data any) []byte {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	out, err := json.Marshal(responseEnvelope{CompleteFinal: completeFinal, Data: raw})
	require.NoError(t, err)
	return out
}

func TestManyOut_IntermediateThenFinalWithData(t *testing.T) {
	m, ch := newTestManyOut()
	ch <- &nats.Msg{Data: envelopeBytes(t, false, "chunk-1")}
	ch <- &nats.Msg{Data: envelopeBytes(t, true, "chunk-2")}

	ctx := context.Background()
	v, err, ended := m.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ended)
	assert.Equal(t, "chunk-1", v)

	v, err, ended = m.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, "chunk-2", v)
}

func TestManyOut_FinalWithNoData(t *testing.T) {
	m, ch := newTestManyOut()
	ch <- &nats.Msg{Data: envelopeBytes(t, true, nil)}

	v, err, ended := m.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Empty(t, v)
}

func TestManyOut_ResponseAfterEndIsError(t *testing.T) {
	m, ch := newTestManyOut()
	ch <- &nats.Msg{Data: envelopeBytes(t, true, nil)}
	ch <- &nats.Msg{Data: envelopeBytes(t, false, "late")}

	_, _, ended := m.Next(context.Background())
	require.True(t, ended)

	// Sequence already ended but a stray message is still buffered: Next
	// drains and reports it as an error instead of dropping it silently.
	_, err, ended := m.Next(context.Background())
	require.ErrorIs(t, err, ErrResponseAfterEnd)
	assert.True(t, ended)
}

func TestManyOut_ResponseAfterEndWithNoBufferedMessageIsQuiet(t *testing.T) {
	m, ch := newTestManyOut()
	ch <- &nats.Msg{Data: envelopeBytes(t, true, nil)}

	_, _, ended := m.Next(context.Background())
	require.True(t, ended)

	_, err, ended := m.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestManyOut_DecodeErrorContinues(t *testing.T) {
	m, ch := newTestManyOut()
	ch <- &nats.Msg{Data: []byte("not json")}
	ch <- &nats.Msg{Data: envelopeBytes(t, true, "ok")}

	_, err, ended := m.Next(context.Background())
	require.Error(t, err)
	assert.False(t, ended)

	v, err, ended := m.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ended)
	assert.Equal(t, "ok", v)
}

func TestManyOut_ChannelClosedWithoutCompleteFinalIsError(t *testing.T) {
	m, ch := newTestManyOut()
	close(ch)

	_, err, ended := m.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamEndedUnexpectedly)
	assert.True(t, ended)
}

func TestManyOut_CallerCancelledEndsQuietly(t *testing.T) {
	m, ch := newTestManyOut()
	_ = ch

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, ended := m.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestManyOut_ChannelClosedAfterCancelIsQuiet(t *testing.T) {
	m, ch := newTestManyOut()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	close(ch)

	// Give the closed channel a moment to be observably selectable
	// alongside ctx.Done(); either branch satisfies the "quiet end"
	// contract so we only assert on the outcome.
	time.Sleep(time.Millisecond)
	_, err, ended := m.Next(ctx)
	require.NoError(t, err)
	assert.True(t, ended)
}
