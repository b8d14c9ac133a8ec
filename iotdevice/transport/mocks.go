package transport

import (
	"context"

	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/logger"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mocked Transport that can also send batches.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) SetLogger(l logger.Logger) {
	m.Called(l)
}

func (m *MockTransport) Open(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockTransport) SendEvent(ctx context.Context, msg *common.Message) (*common.ResponseMessage, error) {
	args := m.Called(ctx, msg)
	res, _ := args.Get(0).(*common.ResponseMessage)
	return res, args.Error(1)
}

func (m *MockTransport) SendEventBatch(ctx context.Context, msgs []*common.Message) (*common.ResponseMessage, error) {
	args := m.Called(ctx, msgs)
	res, _ := args.Get(0).(*common.ResponseMessage)
	return res, args.Error(1)
}

func (m *MockTransport) Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error) {
	args := m.Called(ctx, msg)
	res, _ := args.Get(0).(*common.ResponseMessage)
	return res, args.Error(1)
}

func (m *MockTransport) Receive(ctx context.Context) (*common.Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(*common.Message)
	return msg, args.Error(1)
}

func (m *MockTransport) SendMessageResult(ctx context.Context, result common.MessageResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

func (m *MockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ Transport = (*MockTransport)(nil)
