package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	berr "github.com/next-trace/scg-cqrs-bus/contract/errors"
)

// Envelope encodes e as the wire envelope {id, type, occurredOn, attributes}
// and returns it with the envelope id.
// Events that do not marshal to that shape are wrapped, with their JSON as attributes.
func Envelope(e Event) ([]byte, string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, "", errors.Join(berr.ErrSerializationFailed, err)
	}

	res := gjson.GetManyBytes(body, "type", "id")
	if res[0].String() == e.EventName() && res[1].String() != "" {
		return body, res[1].String(), nil
	}

	msg := Message{
		ID:         uuid.NewString(),
		Type:       e.EventName(),
		OccurredOn: time.Now().UTC(),
		Attributes: body,
	}

	wrapped, err := json.Marshal(msg)
	if err != nil {
		return nil, "", errors.Join(berr.ErrSerializationFailed, err)
	}

	return wrapped, msg.ID, nil
}
