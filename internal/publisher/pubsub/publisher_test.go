package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/a2bit/jobtracker/internal/collector"
)

const (
	testProject = "test-project"
	testTopic   = "run-events"
)

func newTestClient(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, testProject, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishRunFinished(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newTestClient(t)

	topicName := "projects/" + testProject + "/topics/" + testTopic
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	subName := "projects/" + testProject + "/subscriptions/run-events-sub"
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{Name: subName, Topic: topicName})
	require.NoError(t, err)

	pub, err := Dial(ctx, client, testProject, testTopic)
	require.NoError(t, err)
	defer func() { _ = pub.Close() }()

	event := collector.RunEvent{
		EventID: "evt-1",
		RunID:   42,
		Source:  "acme-boards",
		Status:  collector.RunStatusSucceeded,
		Trigger: collector.TriggerManual,
		Tally:   collector.Tally{Found: 5, New: 3, Updated: 2},
	}
	id, err := pub.PublishRunFinished(ctx, event)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = client.Subscriber(subName).Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-received:
		assert.Equal(t, "acme-boards", msg.Attributes["source"])
		assert.Equal(t, "succeeded", msg.Attributes["status"])
		assert.Equal(t, "42", msg.Attributes["run_id"])
		var got collector.RunEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.Tally, got.Tally)
	case <-ctx.Done():
		t.Fatal("timed out waiting for run event")
	}
}

func TestDialUnknownTopic(t *testing.T) {
	client := newTestClient(t)
	_, err := Dial(context.Background(), client, testProject, "missing")
	require.Error(t, err)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).PublishRunFinished(context.Background(), collector.RunEvent{})
	require.ErrorContains(t, err, "not configured")
}
