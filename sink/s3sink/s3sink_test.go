package s3sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/guseggert/shellpipe/internal/test"
	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket stores uploads in memory. An upload whose body fails stores nothing.
type fakeBucket struct {
	s3manageriface.UploaderAPI
	s3iface.S3API

	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBucket() *fakeBucket { return &fakeBucket{objects: map[string][]byte{}} }

func (b *fakeBucket) UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	loc := Location{Bucket: *input.Bucket, Key: *input.Key}
	b.objects[loc.String()] = body
	return &s3manager.UploadOutput{Location: loc.String()}, nil
}

func (b *fakeBucket) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[Location{Bucket: *input.Bucket, Key: *input.Key}.String()]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj))}, nil
}

func (b *fakeBucket) object(loc string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[loc]
	return obj, ok
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		url    string
		exp    Location
		expErr bool
	}{
		{url: "s3://bucket/key", exp: Location{Bucket: "bucket", Key: "key"}},
		{url: "s3://bucket/dir/key.txt", exp: Location{Bucket: "bucket", Key: "dir/key.txt"}},
		{url: "s3://bucket", expErr: true},
		{url: "s3://bucket/", expErr: true},
		{url: "https://bucket/key", expErr: true},
		{url: "::", expErr: true},
	}
	for _, c := range cases {
		t.Run(c.url, func(t *testing.T) {
			loc, err := ParseURL(c.url)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, loc)
			assert.Equal(t, c.url, loc.String())
		})
	}
	assert.True(t, IsURL("s3://a/b"))
	assert.False(t, IsURL("/tmp/out"))
}

func TestSinkUploadsScriptOutput(t *testing.T) {
	bucket := newFakeBucket()
	ctx := context.Background()
	sh := &local.Bash{Options: local.Options{Registry: shell.NewRegistry(shell.WithExitSignals())}}
	loc := Location{Bucket: "logs", Key: "run/out.txt"}

	sink := New(ctx, bucket, loc)
	require.NoError(t, shell.NewScript(sh, "seq 100000").Run(ctx, nil, sink))
	require.NoError(t, sink.Close())

	obj, ok := bucket.object(loc.String())
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(obj)), "\n")
	assert.Len(t, lines, 100000)
	assert.Equal(t, "100000", lines[len(lines)-1])

	r, err := Open(ctx, bucket, loc)
	require.NoError(t, err)
	defer r.Close()
	out, err := shell.NewScript(sh, "tail -n 1").Evaluate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "100000", out)
}

func TestSinkAbort(t *testing.T) {
	bucket := newFakeBucket()
	loc := Location{Bucket: "logs", Key: "partial"}

	sink := New(context.Background(), bucket, loc)
	_, err := sink.Write([]byte("half"))
	require.NoError(t, err)
	err = sink.Abort(errors.New("script failed"))
	assert.ErrorContains(t, err, "script failed")

	_, ok := bucket.object(loc.String())
	assert.False(t, ok)

	_, err = Open(context.Background(), bucket, loc)
	assert.Error(t, err)
}

func TestSinkToRealBucket(t *testing.T) {
	test.Integration(t)
	bucketURL := "s3://" + mustEnv(t, "SHELLPIPE_TEST_BUCKET") + "/shellpipe-test/out.txt"
	loc, err := ParseURL(bucketURL)
	require.NoError(t, err)
	sess, err := NewSession()
	require.NoError(t, err)
	ctx := context.Background()

	sink := New(ctx, s3manager.NewUploader(sess), loc)
	_, err = io.WriteString(sink, "hello from shellpipe\n")
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	r, err := Open(ctx, s3.New(sess), loc)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello from shellpipe\n", string(b))
}

func mustEnv(t *testing.T, name string) string {
	v, ok := os.LookupEnv(name)
	if !ok {
		t.Skipf("%s is not set", name)
	}
	return v
}
