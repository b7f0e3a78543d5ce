package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/paperless-pipeline/internal/core/domain"
)

// Handler processes one raw message body.
type Handler func(ctx context.Context, body []byte) error

type Message interface {
	Validate() error
}

// Decode unmarshals and validates a message. Both failures are permanent:
// redelivering a malformed body cannot fix it.
func Decode[T Message](body []byte) (T, error) {
	var msg T
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, domain.Permanent("decode message", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, domain.Permanent("validate message", err)
	}
	return msg, nil
}

func Encode(msg any) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return body, nil
}

// JSON adapts a typed stage function to a raw Handler.
func JSON[T Message](fn func(context.Context, T) error) Handler {
	return func(ctx context.Context, body []byte) error {
		msg, err := Decode[T](body)
		if err != nil {
			return err
		}
		return fn(ctx, msg)
	}
}

// DocumentRef extracts the correlation id every pipeline message carries.
func DocumentRef(body []byte) (int64, bool) {
	var ref struct {
		DocumentID int64 `json:"documentId"`
	}
	if err := json.Unmarshal(body, &ref); err != nil || ref.DocumentID <= 0 {
		return 0, false
	}
	return ref.DocumentID, true
}
