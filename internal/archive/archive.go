// Package archive copies stored digests to S3-compatible object storage as
// Markdown documents.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/database"
)

// PutObjectAPI is the subset of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config locates the bucket. Credentials come from the named environment
// variables when set, otherwise from the default AWS chain.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKeyEnv string
	SecretKeyEnv string
	PathStyle    bool
}

// Archiver writes digests to a bucket.
type Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
	log    zerolog.Logger
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket not set")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if key, secret := os.Getenv(cfg.AccessKeyEnv), os.Getenv(cfg.SecretKeyEnv); key != "" && secret != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, log zerolog.Logger) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), log: log}
}

// Publish uploads one digest.
func (a *Archiver) Publish(ctx context.Context, d *database.Digest) error {
	key := Key(a.prefix, d)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(Render(d)),
		ContentType: aws.String("text/markdown; charset=utf-8"),
		Metadata: map[string]string{
			"digest-id": strconv.FormatInt(d.ID, 10),
			"prompt-id": strconv.FormatInt(d.PromptID, 10),
			"cadence":   string(d.Cadence),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	a.log.Debug().Str("bucket", a.bucket).Str("key", key).Msg("digest archived")
	return nil
}

// Key returns the object key: prefix/prompt-<id>/<yyyy>/<mm>/<dd>/<cadence>-<hhmm>.md,
// dated by the window start in UTC.
func Key(prefix string, d *database.Digest) string {
	ws := d.WindowStart.UTC()
	name := fmt.Sprintf("%s-%s.md", d.Cadence, ws.Format("1504"))
	return path.Join(prefix, fmt.Sprintf("prompt-%d", d.PromptID), ws.Format("2006/01/02"), name)
}

// Render formats a digest as Markdown with its sources listed at the end.
func Render(d *database.Digest) []byte {
	var b strings.Builder
	b.WriteString("# " + d.Title + "\n\n")
	b.WriteString(strings.TrimSpace(d.Body) + "\n")
	if len(d.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range d.Sources {
			if s.Link != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", s.Title, s.Link)
			} else {
				fmt.Fprintf(&b, "- %s\n", s.Title)
			}
		}
	}
	return []byte(b.String())
}
