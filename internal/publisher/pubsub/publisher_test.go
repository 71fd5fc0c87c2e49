package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/polite-harvester/internal/harvest"
)

func newTestTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "harvest-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "harvested-records")
	require.NoError(t, err)
	return topic, srv
}

func TestPublishSendsRecord(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	topic, srv := newTestTopic(t)
	pub := New(topic)
	defer pub.Close()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	record := harvest.HarvestedRecord{
		ExternalID: "A-1",
		SourceURL:  "https://pvp.example.it/dettaglio?id=A-1",
		Source:     "pvp",
		Page:       1,
		Title:      "Appartamento",
		ScrapedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	id, err := pub.Publish(ctx, record)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "pvp", msgs[0].Attributes["source"])
	require.Equal(t, "A-1", msgs[0].Attributes["external_id"])
	require.Contains(t, msgs[0].Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")

	var got harvest.HarvestedRecord
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, record.ExternalID, got.ExternalID)
	require.Equal(t, record.SourceURL, got.SourceURL)
}

func TestPublishWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), harvest.HarvestedRecord{ExternalID: "x"})
	require.Error(t, err)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "v")
	require.Equal(t, "v", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
