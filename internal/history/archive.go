package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/mossy-p/call-signaling/internal/models"
)

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// ObjectPutter is the slice of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from static keys when given, else from the
// default credential chain. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Archiver writes finished call records to object storage as JSON.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewArchiver(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of rec: <prefix>/<roomId>/<yyyy-mm-dd>/<callId>.json.
func (a *Archiver) Key(rec models.CallRecord) string {
	return path.Join(a.prefix, rec.RoomID, rec.StartedAt.UTC().Format("2006-01-02"), rec.ID+".json")
}

func (a *Archiver) Archive(ctx context.Context, rec models.CallRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode call %s: %w", rec.ID, err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(rec)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive call %s: %w", rec.ID, err)
	}
	return nil
}

// ArchivingStore copies every ended call to an Archiver after the wrapped
// Store has recorded it. Archive failures are logged, never returned: the
// primary store already holds the record.
type ArchivingStore struct {
	Store
	archiver *Archiver
	logger   zerolog.Logger
}

func NewArchivingStore(inner Store, archiver *Archiver, logger zerolog.Logger) *ArchivingStore {
	return &ArchivingStore{
		Store:    inner,
		archiver: archiver,
		logger:   logger.With().Str("component", "history_archive").Logger(),
	}
}

func (s *ArchivingStore) RecordEnded(ctx context.Context, callID string, endedAt time.Time, events []models.ParticipantEvent) error {
	if err := s.Store.RecordEnded(ctx, callID, endedAt, events); err != nil {
		return err
	}
	rec, err := s.Store.Get(ctx, callID)
	if err != nil {
		s.logger.Warn().Err(err).Str("call_id", callID).Msg("Ended call vanished before archive")
		return nil
	}
	if err := s.archiver.Archive(ctx, rec); err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("Call archive failed")
		return nil
	}
	s.logger.Info().Str("call_id", callID).Str("room_id", rec.RoomID).Msg("Call archived")
	return nil
}
