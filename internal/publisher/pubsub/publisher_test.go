package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishDeliversJSON(t *testing.T) {
	t.Parallel()

	srv := pstest.NewServer()
	defer srv.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test cleanup

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test cleanup

	_, err = client.CreateTopic(ctx, "artifact.ready")
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	defer pub.Stop()

	id, err := pub.Publish(ctx, "artifact.ready", map[string]any{"job_hash": "abc", "page_count": 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"job_hash":"abc","page_count":2}`, string(msgs[0].Data))
}

func TestPublishValidatesInput(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)

	pub := &Publisher{topics: map[string]*pubsub.Topic{}}
	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = pub.Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}
