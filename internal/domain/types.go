package domain

import "time"

// Message is implemented by every record the reminder codec knows how to
// encode. The set is closed: only types in this package implement it.
type Message interface {
	reminderMessage()
}

// Event is a Message that is written to the journal and folded into State.
type Event interface {
	Message
	reminderEvent()
}

// Entry is the durable unit: one scheduled task.
type Entry struct {
	TaskID         string
	Recipient      Address
	Message        any
	TriggerAt      time.Time
	RepeatInterval time.Duration // 0 means no repeat
}

// Repeating reports whether the entry is re-inserted after delivery.
func (e Entry) Repeating() bool { return e.RepeatInterval > 0 }

// Schedule asks for Message to be delivered to Recipient at TriggerAt.
type Schedule struct {
	TaskID         string
	Recipient      Address
	Message        any
	TriggerAt      time.Time
	RepeatInterval time.Duration
	Ack            any // nil means no acknowledgment
}

// Entry returns the entry the command would create.
func (s Schedule) Entry() Entry {
	return Entry{
		TaskID:         s.TaskID,
		Recipient:      s.Recipient,
		Message:        s.Message,
		TriggerAt:      s.TriggerAt,
		RepeatInterval: s.RepeatInterval,
	}
}

// Scheduled is persisted once a Schedule command was accepted.
type Scheduled struct {
	Entry Entry
}

// Completed is persisted after a successful delivery.
type Completed struct {
	TaskID      string
	CompletedAt time.Time
}

// Cancel removes a task. Persisted (without Ack) as the cancellation event.
type Cancel struct {
	TaskID string
	Ack    any
}

// GetState is the read-only query for the whole schedule.
type GetState struct{}

func (State) reminderMessage()     {}
func (Entry) reminderMessage()     {}
func (Completed) reminderMessage() {}
func (Schedule) reminderMessage()  {}
func (Scheduled) reminderMessage() {}
func (GetState) reminderMessage()  {}
func (Cancel) reminderMessage()    {}

func (Scheduled) reminderEvent() {}
func (Completed) reminderEvent() {}
func (Cancel) reminderEvent()    {}
