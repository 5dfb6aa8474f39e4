// Package metrics defines the metrics sink the engine's owners report
// through. A Client is injected via Options; the default is a no-op so the
// engine never requires a metrics backend to run.
package metrics

import "time"

type Tags map[string]string

type Client interface {
	Counter(name string, tags Tags, value float64)

	Distribution(name string, tags Tags, value float64)

	Timing(name string, tags Tags, duration time.Duration)

	WithTags(tags Tags) Client
}

type noopClient struct{}

// NewNoopClient returns a Client that discards everything.
func NewNoopClient() Client {
	return &noopClient{}
}

func (*noopClient) Counter(name string, tags Tags, value float64)                {}
func (*noopClient) Distribution(name string, tags Tags, value float64)           {}
func (*noopClient) Timing(name string, tags Tags, duration time.Duration)        {}
func (n *noopClient) WithTags(tags Tags) Client                                  { return n }
