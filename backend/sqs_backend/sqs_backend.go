package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"github.com/WangWindow/AvaGodots/job"
)

// Backend delivers a terminal job event by sending its payload to SQS.
type Backend struct {
	svc     *sqs.SQS
	reports chan job.Event
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS service,
// given a set of options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	// Create a session that gets credential values from ~/.aws/credentials
	// and the default region from ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.reports = make(chan job.Event)
	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify produces an SQS message
func (b *Backend) Notify(url string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	_, err = b.svc.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(url),
	})

	if err != nil {
		err = fmt.Errorf("Got an error sending the message: %s", err.Error())
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	ev.Delivered = true
	ev.DeliveryError = ""
	b.reports <- ev
	return nil
}

// DeliveryReports returns a channel of emitted delivery events
func (b *Backend) DeliveryReports() <-chan job.Event {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
