package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawjud/internal/common"
)

func writeArchive(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "JOB123.zip")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLocalStorePut(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "http://localhost:8080/files/", arbor.NewLogger())
	require.NoError(t, err)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	link, err := store.Put(context.Background(), "JOB12345/JOB123.zip", writeArchive(t, "zipdata"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/JOB12345/JOB123.zip?expires=2024-05-01T13:00:00Z", link)

	data, err := os.ReadFile(filepath.Join(dir, "JOB12345", "JOB123.zip"))
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://x", arbor.NewLogger())
	require.NoError(t, err)

	link, err := store.Put(context.Background(), "../../etc/passwd", writeArchive(t, "x"), 0)
	require.NoError(t, err, "the key is cleaned to stay inside the store")
	assert.Equal(t, "http://x/etc/passwd", link)

	_, err = store.Put(context.Background(), "/", writeArchive(t, "x"), 0)
	assert.Error(t, err)
}

type fakeObjects struct {
	input *s3.PutObjectInput
	body  string
}

func (f *fakeObjects) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3StorePutPresigns(t *testing.T) {
	store, err := NewS3Store(context.Background(), common.ArtifactsConfig{
		Type:         "s3",
		Endpoint:     "http://127.0.0.1:9000",
		Bucket:       "crawjud",
		Region:       "us-east-1",
		AccessKey:    "minio",
		SecretKey:    "minio-secret",
		UsePathStyle: true,
	}, arbor.NewLogger())
	require.NoError(t, err)
	objects := &fakeObjects{}
	store.client = objects

	link, err := store.Put(context.Background(), "JOB12345/JOB123.zip", writeArchive(t, "zipdata"), 15*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, "crawjud", aws.ToString(objects.input.Bucket))
	assert.Equal(t, "JOB12345/JOB123.zip", aws.ToString(objects.input.Key))
	assert.Equal(t, "zipdata", objects.body)

	assert.True(t, strings.HasPrefix(link, "http://127.0.0.1:9000/crawjud/JOB12345/JOB123.zip?"), link)
	assert.Contains(t, link, "X-Amz-Signature=")
	assert.Contains(t, link, "X-Amz-Expires=900")
}

func TestNewSelectsStore(t *testing.T) {
	store, err := New(context.Background(), common.ArtifactsConfig{Type: "local", LocalDir: t.TempDir()}, arbor.NewLogger())
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, store)

	_, err = New(context.Background(), common.ArtifactsConfig{Type: "ftp"}, arbor.NewLogger())
	assert.Error(t, err)

	_, err = New(context.Background(), common.ArtifactsConfig{Type: "s3"}, arbor.NewLogger())
	assert.Error(t, err, "bucket is required")
}
