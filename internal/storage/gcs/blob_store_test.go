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

const testBucket = "test-bucket"

func testClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: testBucket})
	require.Error(t, err)

	client := testClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	objectName := "pages/example.com/index_abcd.html"
	body := "<html>archived</html>"

	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", testBucket))
		assert.Equal(t, objectName, r.URL.Query().Get("name"))

		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(data), body)
		assert.Contains(t, string(data), "text/html")

		fmt.Fprintln(w, `{"name": "`+objectName+`", "bucket": "`+testBucket+`"}`)
	}))
	blobs, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)

	uri, err := blobs.PutObject(context.Background(), objectName, "text/html", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/"+objectName, uri)
	assert.NoError(t, blobs.Close(), "borrowed clients are not closed")
}

func TestPutObjectServerError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	blobs, err := New(client, Config{Bucket: testBucket})
	require.NoError(t, err)

	_, err = blobs.PutObject(context.Background(), "pages/x.html", "text/html", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = blobs.PutObject(context.Background(), " ", "text/html", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestOpenChecksBucket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/b/missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintln(w, `{"name": "`+testBucket+`"}`)
	}))
	t.Cleanup(server.Close)
	opts := []option.ClientOption{option.WithEndpoint(server.URL), option.WithoutAuthentication()}

	blobs, err := Open(context.Background(), Config{Bucket: testBucket}, opts...)
	require.NoError(t, err)
	require.NoError(t, blobs.Close())

	_, err = Open(context.Background(), Config{Bucket: "missing"}, opts...)
	require.Error(t, err)

	_, err = Open(context.Background(), Config{}, opts...)
	require.Error(t, err)
}
