package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return client
}

func TestPutObjectUploadsToBucket(t *testing.T) {
	t.Parallel()

	const object = "snapshots/indian_express/2024/01/05/abc.html"
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/crime-snapshots/o")
		assert.Equal(t, object, r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<html>miss</html>")
		fmt.Fprintln(w, `{"name": "`+object+`", "bucket": "crime-snapshots"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "crime-snapshots"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), object, "text/html", strings.NewReader("<html>miss</html>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://crime-snapshots/"+object, uri)
	require.NoError(t, store.Close())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", strings.NewReader(""))
	require.Error(t, err)
}
