package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type summary struct {
	RunID  string `json:"run_id"`
	Merged int    `json:"merged"`
}

func TestPublisherRecordsEncodedPayloads(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", summary{RunID: "r1", Merged: 3})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "runs", summary{RunID: "r2"})
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"run_id":"r1","merged":3}`, string(msgs[0].Data))

	var got summary
	require.NoError(t, pub.Decode(1, &got))
	require.Equal(t, summary{RunID: "r2"}, got)
	require.Error(t, pub.Decode(2, &got))

	msgs[0].Topic = "modified"
	require.Equal(t, "runs", pub.Messages()[0].Topic)
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "runs", func() {})
	require.Error(t, err)

	pub.Err = errors.New("unavailable")
	_, err = pub.Publish(context.Background(), "runs", summary{})
	require.ErrorIs(t, err, pub.Err)
	require.Empty(t, pub.Messages())
}
