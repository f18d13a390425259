package natsbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error { return f.err }

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSubject(t *testing.T) {
	p := newPublisher(&fakeConn{}, "", testLogger())
	assert.Equal(t, "costsim.estimates.okx.BTC-USDT", p.Subject("okx", "BTC-USDT"))
	assert.Equal(t, "costsim.estimates.okx.BTC_USDT_SWAP", p.Subject("okx", "BTC.USDT SWAP"))
	assert.Equal(t, "desk.estimates._.ETH", newPublisher(&fakeConn{}, "desk", testLogger()).Subject("", "ETH"))
}

func TestPublish(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "costsim", testLogger())

	require.NoError(t, p.Publish(context.Background(), "okx", "BTC-USDT", []byte(`{"id":"1"}`)))
	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "costsim.estimates.okx.BTC-USDT", fc.subjects[0])
	assert.Equal(t, `{"id":"1"}`, string(fc.payloads[0]))

	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}

func TestPublish_Error(t *testing.T) {
	boom := errors.New("connection closed")
	p := newPublisher(&fakeConn{err: boom}, "costsim", testLogger())
	err := p.Publish(context.Background(), "okx", "BTC-USDT", nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, p.Flush(context.Background()), boom)
}
