package https

import (
	"context"
	"net/http"
	"testing"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportNotOpen(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg)
	ctx := context.Background()

	_, err := tr.SendEvent(ctx, common.NewMessage(nil))
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = tr.SendEventBatch(ctx, nil)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = tr.Send(ctx, &common.TransportMessage{Message: common.NewMessage(nil), Method: common.MethodGet})
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = tr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, tr.SendMessageResult(ctx, common.Complete), ErrNotOpen)
	assert.NoError(t, tr.Close())
}

func TestTransportLifecycle(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg, WithLogger(logger.Nop()), WithUserAgent("device/2.0"))
	ctx := context.Background()

	require.NoError(t, tr.Open(ctx))
	require.NoError(t, tr.Open(ctx))

	res, err := tr.SendEvent(ctx, common.NewMessage([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, common.StatusOKEmpty, res.Status)
	assert.Equal(t, "device/2.0", f.hub.last().Header.Get("user-agent"))

	require.NoError(t, tr.Close())
	_, err = tr.SendEvent(ctx, common.NewMessage([]byte("x")))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestTransportSend(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg)
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	f.hub.enqueue(http.StatusOK, nil, "{}")
	res, err := tr.Send(ctx, &common.TransportMessage{
		Message: common.NewMessage(nil),
		Method:  common.MethodGet,
		URIPath: "/twin",
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusOK, res.Status)
	assert.Equal(t, http.MethodGet, f.hub.last().Method)
	assert.Equal(t, "/devices/dev1/twin", f.hub.last().Path)

	_, err = tr.Send(ctx, &common.TransportMessage{Message: common.NewMessage(nil), Method: "PUT"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = tr.Send(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTransportSendEventBatch(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg)
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	res, err := tr.SendEventBatch(ctx, []*common.Message{
		common.NewMessage([]byte("a")),
		common.NewMessage([]byte("b")),
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusOKEmpty, res.Status)

	req := f.hub.last()
	assert.Equal(t, "application/vnd.microsoft.iothub.json", req.Header.Get("content-type"))
	assert.Equal(t, byte('['), req.Body[0])
}

func TestTransportReceiveAndComplete(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg)
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	f.hub.enqueue(http.StatusOK, map[string]string{"ETag": `"e1"`}, "cmd")
	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("cmd"), msg.Bytes())

	require.NoError(t, tr.SendMessageResult(ctx, common.Complete))
	assert.Equal(t, http.MethodDelete, f.hub.last().Method)
	assert.ErrorIs(t, tr.SendMessageResult(ctx, common.Complete), ErrNoPendingMessage)
}

func TestTransportRejectsNilMessages(t *testing.T) {
	f := newFixture(t)
	tr := New(f.cfg)
	ctx := context.Background()
	require.NoError(t, tr.Open(ctx))
	defer tr.Close()

	_, err := tr.SendEvent(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = tr.SendEventBatch(ctx, []*common.Message{common.NewMessage([]byte("a")), nil})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 0, f.hub.count())
}
