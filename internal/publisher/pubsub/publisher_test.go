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

	"github.com/oreusol/pangolin/internal/crawler"
)

func TestPublisherPublishesJSON(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "pangolin-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, "crime-news-records")
	require.NoError(t, err)

	pub := NewWithClient(client)
	rec := crawler.Record{Source: "INDIATODAY", Title: "t", URL: "https://www.indiatoday.in/crime/story/x"}
	id, err := pub.Publish(ctx, "crime-news-records", rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got crawler.Record
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, rec, got)

	require.NoError(t, pub.Close())
}

func TestPublisherRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "t", "p")
	require.Error(t, err)
}

func TestCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
