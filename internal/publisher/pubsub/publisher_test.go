package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "chapterd-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestPublishSendsJSON(t *testing.T) {
	t.Parallel()

	srv, client := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "handoff")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Close()

	id, err := pub.Publish(ctx, "handoff", map[string]any{"work": "solo", "chapters_completed": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "solo", got["work"])
	assert.EqualValues(t, 3, got["chapters_completed"])
}

func TestPublishReusesTopicHandles(t *testing.T) {
	t.Parallel()

	srv, client := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "handoff")
	require.NoError(t, err)

	pub := New(client)
	for range 3 {
		_, err := pub.Publish(ctx, "handoff", "x")
		require.NoError(t, err)
	}
	assert.Len(t, pub.topics, 1)
	assert.Len(t, srv.Messages(), 3)
	require.NoError(t, pub.Close())
	assert.Empty(t, pub.topics)
}

func TestPublishFailures(t *testing.T) {
	t.Parallel()

	_, client := newFakeClient(t)
	pub := New(client)
	defer pub.Close()

	_, err := pub.Publish(context.Background(), "", "x")
	require.EqualError(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "handoff", func() {})
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(context.Background(), "missing", "x")
	require.ErrorContains(t, err, "publish message to missing")

	_, err = (&Publisher{}).Publish(context.Background(), "handoff", "x")
	require.EqualError(t, err, "pubsub publisher is not configured")

	_, err = Open(context.Background(), "")
	require.Error(t, err)
}
