package scheduler

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/tracing"
)

// Nudge tells the worker that fresh events just landed, so it can claim
// immediately instead of waiting out the poll interval. The claim stays
// authoritative; a lost or duplicated nudge costs nothing.
type Nudge struct {
	EventIDs     []string          `json:"event_ids"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Nudger publishes wake nudges after ingest.
type Nudger struct {
	producer *nsq.Producer
	topic    string
}

// NewNudger connects a producer to nsqd for the wake topic.
func NewNudger(nsqdAddr, topic string) (*Nudger, error) {
	producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &Nudger{producer: producer, topic: topic}, nil
}

// Publish sends a nudge carrying the freshly ingested event ids plus the
// current trace context.
func (n *Nudger) Publish(ctx context.Context, eventIDs []string) error {
	body, err := json.Marshal(Nudge{
		EventIDs:     eventIDs,
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	})
	if err != nil {
		return err
	}
	return n.producer.Publish(n.topic, body)
}

// Stop shuts the producer down.
func (n *Nudger) Stop() {
	n.producer.Stop()
}

// StartNudgeConsumer subscribes to the wake topic and forwards nudges into
// the scheduler's wake channel. A full channel means a cycle is already
// pending, so the nudge is dropped rather than queued.
func StartNudgeConsumer(nsqdAddr, lookupAddr, topic, channel string, wake chan<- Nudge, log *logging.Logger) (*nsq.Consumer, error) {
	consumer, err := nsq.NewConsumer(topic, channel, nsq.NewConfig())
	if err != nil {
		return nil, err
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var n Nudge
		if err := json.Unmarshal(m.Body, &n); err != nil {
			log.Plain().WithError(err).Warn("bad nudge payload, dropping")
			return nil
		}
		select {
		case wake <- n:
		default:
		}
		return nil
	}))

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(nsqdAddr); err != nil {
		return nil, err
	}
	if err := consumer.ConnectToNSQLookupd(lookupAddr); err != nil {
		return nil, err
	}
	return consumer, nil
}
