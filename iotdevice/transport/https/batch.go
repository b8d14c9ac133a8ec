package https

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/bluesea251610e/iothub-sdk/common"
)

const (
	// MaxBatchSize is the largest batch body the hub accepts.
	MaxBatchSize = 256 * 1024

	batchContentType = "application/vnd.microsoft.iothub.json"
)

// BatchMessage is a json array of base64 encoded messages sent in
// one request.
type BatchMessage struct {
	entries [][]byte
	size    int // length of Body()
}

type batchEntry struct {
	Body          string          `json:"body"`
	Base64Encoded bool            `json:"base64Encoded"`
	Properties    json.RawMessage `json:"properties,omitempty"`
}

// NewBatchMessage returns a batch of the given messages.
func NewBatchMessage(msgs ...*SingleMessage) (*BatchMessage, error) {
	b := &BatchMessage{size: 2}
	for _, m := range msgs {
		if err := b.Add(m); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Add appends msg to the batch, when it doesn't fit the batch
// is left as it was and ErrSizeExceeded is returned.
func (b *BatchMessage) Add(msg *SingleMessage) error {
	if b.size == 0 {
		b.size = 2
	}
	entry, err := encodeBatchEntry(msg)
	if err != nil {
		return err
	}
	size := b.size + len(entry)
	if len(b.entries) > 0 {
		size++ // separator
	}
	if size > MaxBatchSize {
		return fmt.Errorf("%w: %d bytes is over the %d limit", ErrSizeExceeded, size, MaxBatchSize)
	}
	b.entries = append(b.entries, entry)
	b.size = size
	return nil
}

func encodeBatchEntry(msg *SingleMessage) ([]byte, error) {
	props, err := encodeProperties(msg.Properties())
	if err != nil {
		return nil, err
	}
	return json.Marshal(&batchEntry{
		Body:          base64.StdEncoding.EncodeToString(msg.Body()),
		Base64Encoded: true,
		Properties:    props,
	})
}

// encodeProperties renders properties as a json object keeping their order.
func encodeProperties(props []common.Property) (json.RawMessage, error) {
	if len(props) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range props {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(p.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Len returns the number of messages in the batch.
func (b *BatchMessage) Len() int {
	return len(b.entries)
}

// Body returns the utf-8 encoded json array.
func (b *BatchMessage) Body() []byte {
	body := make([]byte, 0, b.size)
	body = append(body, '[')
	body = append(body, bytes.Join(b.entries, []byte{','})...)
	return append(body, ']')
}

func (b *BatchMessage) ContentType() string {
	return batchContentType
}

// Properties is always empty, per message properties are in the body.
func (b *BatchMessage) Properties() []common.Property {
	return nil
}

var _ Message = (*BatchMessage)(nil)
