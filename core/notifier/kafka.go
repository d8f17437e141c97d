/*Package notifier publishes resource change events to an external
message broker.

Notifications are always stored as resources in the same transaction as
the change they describe; a notifier is an optional extra fan-out for
consumers that prefer a stream over polling.
*/
package notifier

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/qvarnlabs/qvarn/core"
	"github.com/qvarnlabs/qvarn/core/logger"
)

// KafkaNotifier implements core.Notifier on a Kafka topic. Messages are
// keyed by resource type so changes of one type stay ordered within a
// partition.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given brokers and
// topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Notify publishes one change event. Delivery is best-effort: broker
// errors are logged, never propagated to the request that caused the
// change.
func (n *KafkaNotifier) Notify(resource string, change core.Change, payload []byte) {
	err := n.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(resource),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "change", Value: []byte(change)},
		},
	})
	if err != nil {
		logger.Default().Errorln("kafka notify failed:", err)
	}
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
