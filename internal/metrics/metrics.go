package metrics

import "time"

type Recorder interface {
	Scheduled(owner string)
	Cancelled(owner string)
	Completed(owner string)
	Pending(owner string, n int)
	Delivered(scheme string, d time.Duration)
	DeliveryFailed(scheme string)
}

type Nop struct{}

func (Nop) Scheduled(string)                {}
func (Nop) Cancelled(string)                {}
func (Nop) Completed(string)                {}
func (Nop) Pending(string, int)             {}
func (Nop) Delivered(string, time.Duration) {}
func (Nop) DeliveryFailed(string)           {}

var (
	_ Recorder = Nop{}
	_ Recorder = (*PromMetrics)(nil)
)
