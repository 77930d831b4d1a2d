/*
Package s3sink streams script output into S3 objects, and reads S3 objects as script input.

A Sink is an io.WriteCloser backed by a multipart upload. Bytes are uploaded as they are written, so
output of any size is never held in memory. The object only appears once the Sink is closed; a Sink
that is aborted leaves nothing behind.
*/
package s3sink

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"go.uber.org/zap"
)

// Location is an S3 object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string { return "s3://" + l.Bucket + "/" + l.Key }

// IsURL reports whether s looks like an s3:// URL.
func IsURL(s string) bool { return strings.HasPrefix(s, "s3://") }

// ParseURL parses an "s3://bucket/key" URL.
func ParseURL(s string) (Location, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("parsing S3 URL: %w", err)
	}
	if u.Scheme != "s3" {
		return Location{}, fmt.Errorf("S3 URL %q must have scheme s3", s)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Location{}, fmt.Errorf("S3 URL %q must name a bucket and a key", s)
	}
	return Location{Bucket: u.Host, Key: key}, nil
}

// NewSession builds an AWS session from the shared config and the environment.
func NewSession() (*session.Session, error) {
	sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
	if err != nil {
		return nil, fmt.Errorf("creating AWS Go SDK session: %w", err)
	}
	return sess, nil
}

// Sink uploads everything written to it into one S3 object.
type Sink struct {
	log *zap.SugaredLogger
	loc Location

	pw   *io.PipeWriter
	done chan struct{}
	err  error

	closeOnce sync.Once
}

type Option func(s *Sink)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Sink) {
		s.log = l.Named("s3sink")
	}
}

// New starts the upload to loc. Canceling ctx aborts it.
func New(ctx context.Context, uploader s3manageriface.UploaderAPI, loc Location, opts ...Option) *Sink {
	pr, pw := io.Pipe()
	s := &Sink{
		log:  zap.NewNop().Sugar(),
		loc:  loc,
		pw:   pw,
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	go func() {
		defer close(s.done)
		out, err := uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
			Body:   pr,
		})
		if err != nil {
			s.err = fmt.Errorf("uploading to %s: %w", loc, err)
			// unblock the writer
			pr.CloseWithError(s.err)
			return
		}
		s.log.Debugw("uploaded", "Location", out.Location)
	}()
	return s
}

func (s *Sink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Close completes the upload and returns once the object exists.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { s.pw.Close() })
	<-s.done
	return s.err
}

// Abort fails the upload with err, so that no object is created.
func (s *Sink) Abort(err error) error {
	s.closeOnce.Do(func() { s.pw.CloseWithError(err) })
	<-s.done
	return s.err
}

// Open returns the contents of the object at loc.
func Open(ctx context.Context, client s3iface.S3API, loc Location) (io.ReadCloser, error) {
	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", loc, err)
	}
	return out.Body, nil
}
