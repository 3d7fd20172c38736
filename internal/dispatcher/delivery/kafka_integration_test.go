//go:build integration

package delivery_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"changehub/internal/dispatcher/delivery"
	"changehub/pkg/testutil/containers"
)

func TestKafkaDeliverProducesKeyedRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rp := containers.GetManager().GetRedpanda(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "status-changes"
	require.NoError(t, rp.CreateTopic(ctx, topic))

	k, err := delivery.NewKafka(rp.Brokers, "changehub-test")
	require.NoError(t, err)
	defer k.Close()

	res, err := k.Deliver(ctx, "kafka://"+topic, delivery.Request{
		RecordID:     42,
		Category:     "status",
		ChangedValue: json.RawMessage(`{"level":"active"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 202, res.StatusCode)
	assert.Contains(t, res.Message, "offset=")

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.NotEmpty(t, records)
	assert.Equal(t, "42", string(records[0].Key))
	assert.JSONEq(t, `{"record_id":42,"category":"status","changed_value":{"level":"active"}}`, string(records[0].Value))
}
