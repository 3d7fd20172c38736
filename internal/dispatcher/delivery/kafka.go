package delivery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kafkaAccepted is recorded as the response code of a produced record.
const kafkaAccepted = 202

// Kafka produces requests to the topic named by a kafka://topic target,
// keyed by record id so one record's changes stay on one partition.
type Kafka struct {
	client *kgo.Client
}

func NewKafka(brokers []string, clientID string) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.ProducerLinger(0),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{client: client}, nil
}

func (k *Kafka) Deliver(ctx context.Context, target string, req Request) (Result, error) {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return Result{}, &Failure{Message: "invalid kafka target " + target, Err: err}
	}
	value, err := encode(req)
	if err != nil {
		return Result{}, &Failure{Message: "encode request", Err: err}
	}

	record := &kgo.Record{
		Topic: u.Host,
		Key:   []byte(strconv.FormatInt(req.RecordID, 10)),
		Value: value,
	}
	produced, err := k.client.ProduceSync(ctx, record).First()
	if err != nil {
		return Result{}, &Failure{
			Message:   err.Error(),
			Retryable: kerr.IsRetriable(err) || ctx.Err() != nil,
			Err:       err,
		}
	}
	return Result{
		StatusCode: kafkaAccepted,
		Message:    fmt.Sprintf("partition=%d offset=%d", produced.Partition, produced.Offset),
	}, nil
}

func (k *Kafka) Close() {
	k.client.Close()
}
