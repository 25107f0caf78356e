// Package backend defines the delivery channels the notifier can emit
// terminal job events through.
package backend

import (
	"context"

	"github.com/WangWindow/AvaGodots/job"
)

// Backend is the interface that wraps the basic Notify method.
//
// Backend implementations are responsible for delivering a terminal job
// event through some notification channel (eg. HTTP, Kafka, SQS).
type Backend interface {
	// Start initializes the backend. Start must be called once, before
	// any calls to Notify.
	Start(context.Context, map[string]interface{}) error

	// Notify delivers a terminal job event to the given destination.
	// Depending on the underlying implementation, Notify might be an
	// asynchronous operation so a nil error does NOT necessarily mean
	// the event was delivered. To check for the result of a delivery
	// use DeliveryReports().
	//
	// The meaning of the destination is backend-specific: a callback
	// URL for HTTP, a topic for Kafka, a queue URL for SQS.
	Notify(dst string, ev job.Event) error

	// ID returns a constant string used as an identifier for the
	// concrete backend implementation.
	ID() string

	// DeliveryReports is used to communicate the results of deliveries.
	//
	// Even if an event received from this channel is successful that
	// does not mean it has been consumed on the other end.
	DeliveryReports() <-chan job.Event

	// Stop closes the delivery reports channel and performs
	// finalization actions. After calling Stop the backend is no
	// longer usable.
	Stop() error
}
