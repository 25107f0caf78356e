package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/WangWindow/AvaGodots/job"
)

// DefaultClientTimeoutSec defines a default timeout in seconds for our http client
const DefaultClientTimeoutSec = 30

var (
	// Based on http.DefaultTransport
	//
	// See https://golang.org/pkg/net/http/#RoundTripper
	transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
)

// Backend delivers a terminal job event by POSTing it to a callback
// URL.
type Backend struct {
	client  *http.Client
	reports chan job.Event
}

// ID returns "http"
func (b *Backend) ID() string {
	return "http"
}

// Start starts the backend based on configuration provided by cfg.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	clientTimeout := time.Duration(DefaultClientTimeoutSec) * time.Second
	if cfgTimeout, ok := cfg["timeout"]; ok {
		t, err := cfgTimeout.(json.Number).Int64()
		if err != nil {
			return err
		}
		clientTimeout = time.Duration(t) * time.Second
	}

	b.client = &http.Client{
		Transport: transport,
		Timeout:   clientTimeout, // Larger than Dial + TLS timeouts
	}

	b.reports = make(chan job.Event)

	return nil
}

// Notify POSTs the event to url as JSON.
func (b *Backend) Notify(url string, ev job.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	res, err := b.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		if err == nil {
			err = fmt.Errorf("Received Status: %s", res.Status)
		}
		ev.Delivered = false
		ev.DeliveryError = err.Error()
		return err
	}

	ev.Delivered = true
	ev.DeliveryError = ""
	b.reports <- ev

	return nil
}

// DeliveryReports returns a channel of successfully emitted events.
// Failures are returned directly by Notify() as errors.
func (b *Backend) DeliveryReports() <-chan job.Event {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
