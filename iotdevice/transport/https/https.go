// Package https implements the device transport over the hub https api.
package https

import (
	"context"
	"fmt"
	"sync"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/logger"
)

// TransportOption is a transport configuration option.
type TransportOption func(tr *Transport)

// WithLogger sets logger for errors and warnings
// plus debug messages when it's enabled.
func WithLogger(l logger.Logger) TransportOption {
	return func(tr *Transport) {
		tr.logger = l
	}
}

// WithUserAgent overrides the User-Agent header of every request.
func WithUserAgent(ua string) TransportOption {
	return func(tr *Transport) {
		tr.userAgent = ua
	}
}

// New returns new HTTPS transport for the configured device.
func New(cfg transport.Config, opts ...TransportOption) *Transport {
	tr := &Transport{
		cfg:       cfg,
		logger:    logger.Nop(),
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Transport is HTTPS transport for Azure IoT Hub.
//
// Calls are serialized since the underlying connection tracks
// the last received message.
type Transport struct {
	mu   sync.Mutex
	cfg  transport.Config
	conn *IotHubConnection

	logger    logger.Logger
	userAgent string
}

func (tr *Transport) SetLogger(l logger.Logger) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.logger = l
}

// Open prepares the connection, https has no subscriptions so
// there is nothing to negotiate with the hub.
func (tr *Transport) Open(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn != nil {
		return nil
	}
	conn, err := NewIotHubConnection(tr.cfg, tr.logger, tr.userAgent)
	if err != nil {
		return err
	}
	tr.conn = conn
	tr.logger.Debugf("https transport opened for %s", tr.cfg.DeviceID())
	return nil
}

// Close drops the connection, a received message that is
// still waiting for a result is forgotten.
func (tr *Transport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn != nil {
		tr.conn = nil
		tr.logger.Debugf("https transport closed")
	}
	return nil
}

// SendEvent sends a device-to-cloud message.
func (tr *Transport) SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return nil, ErrNotOpen
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	}
	return tr.conn.SendEvent(ctx, ParseMessage(msg))
}

// SendEventBatch sends multiple device-to-cloud messages in one request.
func (tr *Transport) SendEventBatch(ctx context.Context, msgs []*common.Message) (*common.ResponseMessage, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return nil, ErrNotOpen
	}
	batch, err := NewBatchMessage()
	if err != nil {
		return nil, err
	}
	for i, msg := range msgs {
		if msg == nil {
			return nil, fmt.Errorf("%w: message %d is nil", ErrInvalidArgument, i)
		}
		if err := batch.Add(ParseMessage(msg)); err != nil {
			return nil, err
		}
	}
	return tr.conn.SendEvent(ctx, batch)
}

// Send sends msg as json to its uri path.
func (tr *Transport) Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return nil, ErrNotOpen
	}
	if msg == nil || msg.Message == nil {
		return nil, fmt.Errorf("%w: message is nil", ErrInvalidArgument)
	}
	var method Method
	switch msg.Method {
	case common.MethodGet:
		method = MethodGet
	case common.MethodPost:
		method = MethodPost
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidArgument, msg.Method)
	}
	return tr.conn.SendHTTPSMessage(ctx, ParseJSONMessage(msg.Message), method, msg.URIPath)
}

// Receive polls for a cloud-to-device message, nil means none is waiting.
func (tr *Transport) Receive(ctx context.Context) (*common.Message, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return nil, ErrNotOpen
	}
	return tr.conn.ReceiveMessage(ctx)
}

// SendMessageResult settles the last received message.
func (tr *Transport) SendMessageResult(ctx context.Context, result common.MessageResult) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.conn == nil {
		return ErrNotOpen
	}
	return tr.conn.SendMessageResult(ctx, result)
}

// Ensure Transport implements transport.Transport interface
var _ transport.Transport = (*Transport)(nil)
