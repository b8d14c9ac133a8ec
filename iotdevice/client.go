// Package iotdevice is the device side of the sdk: configuration and
// a client that sends and receives messages over a pluggable transport.
package iotdevice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/amqp"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/https"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport/mqtt"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"github.com/cenkalti/backoff/v4"
)

// ErrBatchNotSupported is returned by SendEventBatch when the transport
// cannot send several messages in one request.
var ErrBatchNotSupported = errors.New("transport does not support batches")

// DefaultRetrySettings are used unless WithRetry says otherwise.
var DefaultRetrySettings = RetrySettings{
	MaxRetries:      3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

type batchSender interface {
	SendEventBatch(ctx context.Context, msgs []*common.Message) (*common.ResponseMessage, error)
}

// ClientOption is a client configuration option.
type ClientOption func(c *Client)

// WithLogger sets the client logger, it's handed to the transport too.
func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTransport replaces the default https transport.
func WithTransport(tr transport.Transport) ClientOption {
	return func(c *Client) {
		c.tr = tr
	}
}

// WithMQTT makes the client use the mqtt transport.
func WithMQTT(opts ...mqtt.TransportOption) ClientOption {
	return func(c *Client) {
		c.newTransport = func(cfg transport.Config) transport.Transport {
			return mqtt.New(cfg, opts...)
		}
	}
}

// WithAMQP makes the client use the amqp transport.
func WithAMQP(opts ...amqp.TransportOption) ClientOption {
	return func(c *Client) {
		c.newTransport = func(cfg transport.Config) transport.Transport {
			return amqp.New(cfg, opts...)
		}
	}
}

// WithRetry bounds retries of retryable transport errors,
// zero MaxRetries disables retrying.
func WithRetry(rs RetrySettings) ClientOption {
	return func(c *Client) {
		c.retry = rs
	}
}

// Client is a device client, it is safe for concurrent use as long as
// its transport is.
type Client struct {
	cfg    transport.Config
	tr     transport.Transport
	logger logger.Logger
	retry  RetrySettings

	newTransport func(cfg transport.Config) transport.Transport

	mu     sync.Mutex
	closed bool
}

// New returns a client for the configured device.
func New(cfg transport.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	c := &Client{
		cfg:    cfg,
		logger: logger.Nop(),
		retry:  DefaultRetrySettings,
		newTransport: func(cfg transport.Config) transport.Transport {
			return https.New(cfg)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tr == nil {
		c.tr = c.newTransport(cfg)
	}
	c.tr.SetLogger(c.logger)
	return c, nil
}

// NewFromSettings builds the config, logger and transport described by s.
func NewFromSettings(s *Settings, opts ...ClientOption) (*Client, error) {
	cfg, err := NewConfig(s)
	if err != nil {
		return nil, err
	}
	l, err := logger.New(&s.Log)
	if err != nil {
		return nil, err
	}

	base := []ClientOption{WithLogger(l)}
	if s.Retry != (RetrySettings{}) {
		base = append(base, WithRetry(s.Retry))
	}
	switch strings.ToLower(s.Transport) {
	case "", "https":
	case "mqtt":
		base = append(base, WithMQTT())
	case "amqp":
		base = append(base, WithAMQP())
	default:
		return nil, fmt.Errorf("unknown transport %q", s.Transport)
	}
	return New(cfg, append(base, opts...)...)
}

// Connect opens the transport.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("client is closed")
	}
	return c.do(ctx, "connect", func() error {
		return c.tr.Open(ctx)
	})
}

// SendEvent sends a device-to-cloud message.
func (c *Client) SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	var res *common.ResponseMessage
	err := c.do(ctx, "send event", func() (err error) {
		res, err = c.tr.SendEvent(ctx, msg)
		return err
	})
	return res, err
}

// SendEventBatch sends msgs in a single request.
func (c *Client) SendEventBatch(ctx context.Context, msgs []*common.Message) (*common.ResponseMessage, error) {
	bs, ok := c.tr.(batchSender)
	if !ok {
		return nil, ErrBatchNotSupported
	}
	var res *common.ResponseMessage
	err := c.do(ctx, "send event batch", func() (err error) {
		res, err = bs.SendEventBatch(ctx, msgs)
		return err
	})
	return res, err
}

// Send sends msg to a device scoped resource, e.g. the twin.
func (c *Client) Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error) {
	var res *common.ResponseMessage
	err := c.do(ctx, "send", func() (err error) {
		res, err = c.tr.Send(ctx, msg)
		return err
	})
	return res, err
}

// ReceiveMessage returns a cloud-to-device message or nil when
// none is waiting.
func (c *Client) ReceiveMessage(ctx context.Context) (*common.Message, error) {
	var msg *common.Message
	err := c.do(ctx, "receive", func() (err error) {
		msg, err = c.tr.Receive(ctx)
		return err
	})
	return msg, err
}

// Complete settles the last received message as processed.
func (c *Client) Complete(ctx context.Context) error {
	return c.sendResult(ctx, common.Complete)
}

// Abandon puts the last received message back in the device queue.
func (c *Client) Abandon(ctx context.Context) error {
	return c.sendResult(ctx, common.Abandon)
}

// Reject dead-letters the last received message.
func (c *Client) Reject(ctx context.Context) error {
	return c.sendResult(ctx, common.Reject)
}

func (c *Client) sendResult(ctx context.Context, result common.MessageResult) error {
	return c.do(ctx, strings.ToLower(result.String()), func() error {
		return c.tr.SendMessageResult(ctx, result)
	})
}

// Close closes the transport, the client cannot be reconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.tr.Close()
}

// do runs fn retrying it with exponential backoff while it fails
// with a retryable transport error.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	backoffParams := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		backoffParams.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		backoffParams.MaxInterval = c.retry.MaxInterval
	}
	backoffParams.MaxElapsedTime = 0

	ticker := backoff.NewTicker(backoff.WithContext(
		backoff.WithMaxRetries(backoffParams, c.retry.MaxRetries), ctx))
	defer ticker.Stop()

	var err error
	for range ticker.C {
		if err = fn(); err == nil || !transport.IsRetryable(err) {
			return err
		}
		c.logger.Warnf("%s failed, retrying: %s", op, err)
	}
	if err == nil {
		return ctx.Err()
	}
	return err
}
