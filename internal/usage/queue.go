package usage

import (
	"context"
	"encoding/json"
)

// Publisher is the queue side of a QueueSink.
type Publisher interface {
	PublishUsage(ctx context.Context, body []byte) error
}

// QueueSink forwards summaries as JSON to a queue; cmd/worker writes them
// to the Store.
type QueueSink struct {
	pub Publisher
}

func NewQueueSink(p Publisher) *QueueSink {
	return &QueueSink{pub: p}
}

func (q *QueueSink) Record(ctx context.Context, s Summary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return q.pub.PublishUsage(ctx, body)
}

// DecodeSummary parses a queued summary.
func DecodeSummary(body []byte) (Summary, error) {
	var s Summary
	err := json.Unmarshal(body, &s)
	return s, err
}
