package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>challenge</html>")
	uri, err := store.PutObject(context.Background(), "challenges/a.example/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://challenges/a.example/abc.html", uri)

	payload[0] = 'X'
	blob, ok := store.Get("challenges/a.example/abc.html")
	require.True(t, ok)
	require.Equal(t, "<html>challenge</html>", string(blob.Data))
	require.Equal(t, "text/html", blob.ContentType)
	require.Equal(t, []string{"challenges/a.example/abc.html"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
