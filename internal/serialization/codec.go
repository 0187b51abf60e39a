package serialization

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protowire"

	"reminders/internal/domain"
)

// Manifest tags. New records get new letters; existing ones never change.
const (
	StateManifest     = "A"
	EntryManifest     = "B"
	CompletedManifest = "C"
	ScheduleManifest  = "D"
	ScheduledManifest = "E"
	GetStateManifest  = "F"
	CancelManifest    = "G"
)

const CodecID int32 = 17

// Codec maps reminder records to tagged binary bodies. Payload and ack
// fields are nested through the registry.
type Codec struct {
	registry *Registry
}

// NewCodec creates the codec and registers it with r so reminder records
// can themselves be nested as payloads.
func NewCodec(r *Registry) *Codec {
	c := &Codec{registry: r}
	r.MustRegister(c,
		domain.State{}, domain.Entry{}, domain.Completed{}, domain.Schedule{},
		domain.Scheduled{}, domain.GetState{}, domain.Cancel{},
	)
	return c
}

func (c *Codec) Registry() *Registry { return c.registry }

func (c *Codec) Identifier() int32 { return CodecID }

func (c *Codec) Manifest(v any) (string, error) {
	switch v.(type) {
	case domain.State:
		return StateManifest, nil
	case domain.Entry:
		return EntryManifest, nil
	case domain.Completed:
		return CompletedManifest, nil
	case domain.Schedule:
		return ScheduleManifest, nil
	case domain.Scheduled:
		return ScheduledManifest, nil
	case domain.GetState:
		return GetStateManifest, nil
	case domain.Cancel:
		return CancelManifest, nil
	default:
		return "", fmt.Errorf("%w: reminder codec cannot encode %T", ErrUnsupported, v)
	}
}

// Encode returns the manifest tag and body for msg.
func (c *Codec) Encode(msg domain.Message) (string, []byte, error) {
	tag, err := c.Manifest(msg)
	if err != nil {
		return "", nil, err
	}
	body, err := c.ToBinary(msg)
	if err != nil {
		return "", nil, err
	}
	return tag, body, nil
}

func (c *Codec) ToBinary(v any) ([]byte, error) {
	switch m := v.(type) {
	case domain.State:
		return c.stateToBinary(m)
	case domain.Entry:
		return c.entryToBinary(m)
	case domain.Completed:
		return completedToBinary(m), nil
	case domain.Schedule:
		return c.scheduleToBinary(m)
	case domain.Scheduled:
		entry, err := c.entryToBinary(m.Entry)
		if err != nil {
			return nil, err
		}
		return appendMessage(nil, 1, entry), nil
	case domain.GetState:
		return []byte{}, nil
	case domain.Cancel:
		return c.cancelToBinary(m)
	default:
		return nil, fmt.Errorf("%w: reminder codec cannot encode %T", ErrUnsupported, v)
	}
}

// Decode rebuilds the record a tag and body describe.
func (c *Codec) Decode(tag string, body []byte) (domain.Message, error) {
	switch tag {
	case StateManifest:
		return c.stateFromBinary(body)
	case EntryManifest:
		return c.entryFromBinary(body)
	case CompletedManifest:
		return completedFromBinary(body)
	case ScheduleManifest:
		return c.scheduleFromBinary(body)
	case ScheduledManifest:
		return c.scheduledFromBinary(body)
	case GetStateManifest:
		return domain.GetState{}, nil
	case CancelManifest:
		return c.cancelFromBinary(body)
	default:
		return nil, fmt.Errorf("%w: unknown manifest %q", ErrUnsupported, tag)
	}
}

func (c *Codec) FromBinary(data []byte, manifest string) (any, error) {
	return c.Decode(manifest, data)
}

// DecodeEvent decodes a journal record and checks it is an event.
func (c *Codec) DecodeEvent(tag string, body []byte) (domain.Event, error) {
	msg, err := c.Decode(tag, body)
	if err != nil {
		return nil, err
	}
	ev, ok := msg.(domain.Event)
	if !ok {
		return nil, fmt.Errorf("%w: manifest %q is not an event", ErrUnsupported, tag)
	}
	return ev, nil
}

func (c *Codec) stateToBinary(s domain.State) ([]byte, error) {
	var b []byte
	for _, e := range s.Sorted() {
		entry, err := c.entryToBinary(e)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.TaskID, err)
		}
		b = appendMessage(b, 1, entry)
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (c *Codec) stateFromBinary(body []byte) (domain.State, error) {
	st := domain.NewState()
	err := fields(body, func(f field) error {
		if f.num != 1 {
			return nil
		}
		e, err := c.entryFromBinary(f.bytes)
		if err != nil {
			return err
		}
		st.Entries[e.TaskID] = e
		return nil
	})
	if err != nil {
		return domain.State{}, err
	}
	return st, nil
}

func (c *Codec) entryToBinary(e domain.Entry) ([]byte, error) {
	payload, err := c.registry.Serialize(e.Message)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendString(b, 1, e.TaskID)
	b = appendString(b, 2, e.Recipient.String())
	b = appendMessage(b, 3, appendEnvelope(nil, payload))
	b = appendInt64(b, 4, domain.TimeToTicks(e.TriggerAt))
	b = appendInt64(b, 5, domain.DurationToTicks(e.RepeatInterval))
	return b, nil
}

func (c *Codec) entryFromBinary(body []byte) (domain.Entry, error) {
	var (
		e          domain.Entry
		hasPayload bool
	)
	e.TriggerAt = domain.TicksToTime(0)
	err := fields(body, func(f field) error {
		switch f.num {
		case 1:
			e.TaskID = string(f.bytes)
		case 2:
			e.Recipient = recipientFromString(string(f.bytes))
		case 3:
			msg, err := c.messageFromBinary(f.bytes)
			if err != nil {
				return err
			}
			e.Message = msg
			hasPayload = true
		case 4:
			e.TriggerAt = domain.TicksToTime(int64(f.u))
		case 5:
			e.RepeatInterval = domain.TicksToDuration(int64(f.u))
		}
		return nil
	})
	if err != nil {
		return domain.Entry{}, err
	}
	if !hasPayload {
		return domain.Entry{}, fmt.Errorf("%w: entry %q has no payload", ErrMalformed, e.TaskID)
	}
	if e.Recipient.IsZero() {
		e.Recipient = recipientFromString("")
	}
	return e, nil
}

func (c *Codec) scheduleToBinary(s domain.Schedule) ([]byte, error) {
	b, err := c.entryToBinary(s.Entry())
	if err != nil {
		return nil, err
	}
	if s.Ack != nil {
		ack, err := c.registry.Serialize(s.Ack)
		if err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		b = appendMessage(b, 6, appendEnvelope(nil, ack))
	}
	return b, nil
}

func (c *Codec) scheduleFromBinary(body []byte) (domain.Schedule, error) {
	entry, err := c.entryFromBinary(body)
	if err != nil {
		return domain.Schedule{}, err
	}
	ack, err := c.optionalMessage(body, 6)
	if err != nil {
		return domain.Schedule{}, err
	}
	return domain.Schedule{
		TaskID:         entry.TaskID,
		Recipient:      entry.Recipient,
		Message:        entry.Message,
		TriggerAt:      entry.TriggerAt,
		RepeatInterval: entry.RepeatInterval,
		Ack:            ack,
	}, nil
}

func (c *Codec) scheduledFromBinary(body []byte) (domain.Scheduled, error) {
	var (
		out   domain.Scheduled
		found bool
	)
	err := fields(body, func(f field) error {
		if f.num != 1 {
			return nil
		}
		e, err := c.entryFromBinary(f.bytes)
		if err != nil {
			return err
		}
		out.Entry, found = e, true
		return nil
	})
	if err != nil {
		return domain.Scheduled{}, err
	}
	if !found {
		return domain.Scheduled{}, fmt.Errorf("%w: scheduled event has no entry", ErrMalformed)
	}
	return out, nil
}

func completedToBinary(c domain.Completed) []byte {
	b := appendString(nil, 1, c.TaskID)
	b = appendInt64(b, 2, domain.TimeToTicks(c.CompletedAt))
	if b == nil {
		b = []byte{}
	}
	return b
}

func completedFromBinary(body []byte) (domain.Completed, error) {
	out := domain.Completed{CompletedAt: domain.TicksToTime(0)}
	err := fields(body, func(f field) error {
		switch f.num {
		case 1:
			out.TaskID = string(f.bytes)
		case 2:
			out.CompletedAt = domain.TicksToTime(int64(f.u))
		}
		return nil
	})
	return out, err
}

func (c *Codec) cancelToBinary(m domain.Cancel) ([]byte, error) {
	b := appendString(nil, 1, m.TaskID)
	if m.Ack != nil {
		ack, err := c.registry.Serialize(m.Ack)
		if err != nil {
			return nil, fmt.Errorf("ack: %w", err)
		}
		b = appendMessage(b, 2, appendEnvelope(nil, ack))
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (c *Codec) cancelFromBinary(body []byte) (domain.Cancel, error) {
	var out domain.Cancel
	err := fields(body, func(f field) error {
		if f.num == 1 {
			out.TaskID = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return domain.Cancel{}, err
	}
	if out.Ack, err = c.optionalMessage(body, 2); err != nil {
		return domain.Cancel{}, err
	}
	return out, nil
}

// optionalMessage decodes the envelope at field num, or returns nil when
// the field is absent.
func (c *Codec) optionalMessage(body []byte, num protowire.Number) (any, error) {
	var out any
	err := fields(body, func(f field) error {
		if f.num != num {
			return nil
		}
		msg, err := c.messageFromBinary(f.bytes)
		if err != nil {
			return err
		}
		out = msg
		return nil
	})
	return out, err
}

func (c *Codec) messageFromBinary(b []byte) (any, error) {
	env, err := parseEnvelope(b)
	if err != nil {
		return nil, err
	}
	return c.registry.Deserialize(env)
}

func recipientFromString(raw string) domain.Address {
	addr, err := domain.ParseAddress(raw)
	if err != nil {
		log.Warn().Err(err).Str("recipient", raw).Msg("undecodable recipient, using dead letters")
		return domain.DeadLetters
	}
	return addr
}
