package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"

	"minbar-cast/internal/config"
)

// Client wraps a Provider with the two buckets the gateway cares about:
// originals (uploaded recordings) and playback (converted web-ready files).
type Client struct {
	backend         Provider
	bucketRecording string
	bucketPlayback  string
	publicBaseURL   string
}

func New(cfg *config.Config) *Client {
	var backend Provider

	if cfg.Storage.Provider == "local" {
		backend = NewLocalProvider(cfg.Storage.LocalRoot)
	} else {
		s3Config := &aws.Config{
			Credentials:      credentials.NewStaticCredentials(cfg.Storage.KeyID, cfg.Storage.AppKey, ""),
			Endpoint:         aws.String(cfg.Storage.Endpoint),
			Region:           aws.String(cfg.Storage.Region),
			S3ForcePathStyle: aws.Bool(true),
		}
		sess := session.Must(session.NewSession(s3Config))
		backend = NewS3Provider(sess)
	}

	return NewClient(backend, cfg.Storage.BucketRecording, cfg.Storage.BucketPlayback, cfg.Storage.PublicBaseURL)
}

// NewClient builds a Client around an explicit backend. Tests use this with
// a LocalProvider.
func NewClient(backend Provider, bucketRecording, bucketPlayback, publicBaseURL string) *Client {
	return &Client{
		backend:         backend,
		bucketRecording: bucketRecording,
		bucketPlayback:  bucketPlayback,
		publicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
	}
}

func (c *Client) DownloadRecording(key string) (*FileObject, error) {
	return c.backend.Get(c.bucketRecording, key)
}

func (c *Client) UploadPlayback(key string, body io.ReadSeeker, contentType string) error {
	return c.backend.Put(c.bucketPlayback, key, body, contentType, "public, max-age=86400")
}

func (c *Client) PlaybackExists(key string) (bool, error) {
	return c.backend.Exists(c.bucketPlayback, key)
}

// PlaybackURL is the public address listeners use for a converted file.
func (c *Client) PlaybackURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.publicBaseURL, c.bucketPlayback, key)
}
