package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"reminders/internal/domain"
)

// Producer defines the interface for producing messages to Kafka
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes to kafka://<cluster>/<topic>[?key=<partition key>]
// recipients. The host part is informational; every address goes through
// the same client.
type Kafka struct {
	client  Producer
	encoder Encoder
}

func NewKafka(client Producer, enc Encoder) *Kafka {
	return &Kafka{client: client, encoder: enc}
}

// NewKafkaClient connects a franz-go client to brokers.
func NewKafkaClient(brokers []string, clientID string) (*kgo.Client, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(brokers...)}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	return kgo.NewClient(opts...)
}

type kafkaRecipient struct {
	addr  domain.Address
	topic string
	key   string
}

func (r kafkaRecipient) Address() domain.Address { return r.addr }

func (k *Kafka) Resolve(_ context.Context, addr domain.Address) (Recipient, error) {
	segs := addr.Segments()
	if addr.Scheme != "kafka" || len(segs) != 1 {
		return nil, fmt.Errorf("%w: %s is not a kafka topic address", ErrUnreachable, addr)
	}
	topic, err := url.PathUnescape(segs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	q, _ := url.ParseQuery(addr.Query)
	return kafkaRecipient{addr: addr, topic: topic, key: q.Get("key")}, nil
}

func (k *Kafka) Send(ctx context.Context, to Recipient, msg any) error {
	r, ok := to.(kafkaRecipient)
	if !ok {
		resolved, err := k.Resolve(ctx, to.Address())
		if err != nil {
			return err
		}
		r = resolved.(kafkaRecipient)
	}
	rec, err := k.record(r, msg)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.topic, err)
	}
	return nil
}

func (k *Kafka) record(r kafkaRecipient, msg any) (*kgo.Record, error) {
	env, err := k.encoder.Serialize(msg)
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}
	headers := make([]kgo.RecordHeader, 0, 2)
	headers = append(headers, kgo.RecordHeader{Key: HeaderSerializer, Value: []byte(strconv.Itoa(int(env.SerializerID)))})
	if env.Manifest != "" {
		headers = append(headers, kgo.RecordHeader{Key: HeaderManifest, Value: []byte(env.Manifest)})
	}
	rec := &kgo.Record{Topic: r.topic, Value: env.Body, Headers: headers}
	if r.key != "" {
		rec.Key = []byte(r.key)
	}
	return rec, nil
}
