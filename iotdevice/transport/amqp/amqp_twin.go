package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/go-amqp"
	"github.com/bluesea251610e/iothub-sdk/common"
	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	"github.com/google/uuid"
)

// twinAPIVersion is announced in the twin link properties.
const twinAPIVersion = "2019-10-01"

// Send maps twin requests onto the twin links, GET /twin retrieves
// the twin and POST /twin/properties/reported patches reported
// properties. Other resources are not available over amqp.
func (tr *Transport) Send(ctx context.Context, msg *common.TransportMessage) (*common.ResponseMessage, error) {
	if msg == nil || msg.Message == nil {
		return nil, errors.New("message is nil")
	}
	req := &amqp.Message{
		Properties: &amqp.MessageProperties{},
	}
	switch path := strings.Trim(msg.URIPath, "/"); {
	case msg.Method == common.MethodGet && path == "twin":
		req.Annotations = amqp.Annotations{"operation": "GET"}
	case msg.Method == common.MethodPost && path == "twin/properties/reported":
		req.Annotations = amqp.Annotations{
			"operation": "PATCH",
			"resource":  "/properties/reported",
		}
		req.Data = [][]byte{msg.Bytes()}
	default:
		return nil, fmt.Errorf("%s %s: %w", msg.Method, msg.URIPath, ErrNotImplemented)
	}

	tr.mu.RLock()
	err := tr.checkOpen()
	sess := tr.sess
	tr.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	tr.twinMu.Lock()
	defer tr.twinMu.Unlock()

	if err := tr.ensureTwinLinks(ctx, sess); err != nil {
		return nil, transport.NewError(err)
	}
	return tr.twinRequest(ctx, req)
}

func (tr *Transport) twinAddress() string {
	return "amqps://" + tr.cfg.HostName() + tr.identityPath() + "/twin"
}

// ensureTwinLinks attaches the twin links on first use, twinMu is held.
func (tr *Transport) ensureTwinLinks(ctx context.Context, sess *amqp.Session) error {
	if tr.twinSender != nil && tr.twinReceiver != nil {
		return nil
	}
	if sess == nil {
		return ErrNotConnected
	}

	addr := tr.twinAddress()
	props := map[string]any{
		"com.microsoft:api-version":            twinAPIVersion,
		"com.microsoft:channel-correlation-id": "twin:" + uuid.NewString(),
	}
	s, err := sess.NewSender(ctx, addr, &amqp.SenderOptions{Properties: props})
	if err != nil {
		return fmt.Errorf("create twin sender: %w", err)
	}
	r, err := sess.NewReceiver(ctx, addr, &amqp.ReceiverOptions{Properties: props})
	if err != nil {
		s.Close(context.Background())
		return fmt.Errorf("create twin receiver: %w", err)
	}
	tr.twinSender, tr.twinReceiver = s, r
	return nil
}

// twinRequest sends req and waits for the response carrying its
// correlation id, responses to abandoned requests are discarded.
func (tr *Transport) twinRequest(ctx context.Context, req *amqp.Message) (*common.ResponseMessage, error) {
	cid := uuid.NewString()
	req.Properties.CorrelationID = cid

	if err := tr.twinSender.Send(ctx, req, nil); err != nil {
		return nil, transport.NewError(fmt.Errorf("send twin %s: %w", req.Annotations["operation"], err))
	}
	for {
		res, err := tr.twinReceiver.Receive(ctx, nil)
		if err != nil {
			return nil, transport.NewError(err)
		}
		if err := tr.twinReceiver.AcceptMessage(ctx, res); err != nil {
			tr.logger.Warnf("accept twin response error: %s", err)
		}
		if got := correlationID(res); got != cid {
			tr.logger.Warnf("discarding twin response with correlation id %q", got)
			continue
		}
		status, ok := twinStatus(res)
		if !ok {
			return nil, errors.New("missing status in twin response")
		}
		b := res.GetData()
		if b == nil {
			b = []byte{}
		}
		return &common.ResponseMessage{Bytes: b, Status: common.StatusCodeFromHTTP(status)}, nil
	}
}

func correlationID(msg *amqp.Message) string {
	if msg.Properties == nil {
		return ""
	}
	switch v := msg.Properties.CorrelationID.(type) {
	case string:
		return v
	case *string:
		if v != nil {
			return *v
		}
	case amqp.UUID:
		return v.String()
	}
	return ""
}

func twinStatus(msg *amqp.Message) (int, bool) {
	switch v := msg.Annotations["status"].(type) {
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
