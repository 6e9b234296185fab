package relaycsv

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	buckets []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.buckets = append(f.buckets, aws.ToString(in.Bucket))
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.buckets = append(f.buckets, aws.ToString(in.Bucket))
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func TestS3ObjectStoreRoundTripUnderPrefix(t *testing.T) {
	client := &fakeS3{}
	store, err := NewS3ObjectStore(client, "output-bucket", "/exports/")
	require.NoError(t, err)

	require.NoError(t, store.Upload(context.Background(), "csv/a.json.csv", strings.NewReader("x,y\n")))
	require.Contains(t, client.objects, "exports/csv/a.json.csv")

	var buf bytes.Buffer
	require.NoError(t, store.Download(context.Background(), "csv/a.json.csv", &buf))
	require.Equal(t, "x,y\n", buf.String())
	require.Equal(t, []string{"output-bucket", "output-bucket"}, client.buckets)
}

func TestS3ObjectStoreMapsNoSuchKey(t *testing.T) {
	store, err := NewS3ObjectStore(&fakeS3{}, "input-bucket", "")
	require.NoError(t, err)
	err = store.Download(context.Background(), "missing.json", io.Discard)
	require.ErrorIs(t, err, ErrNotFound)
}
