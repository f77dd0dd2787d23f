// Package storage uploads finished interview artifacts to Supabase storage.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

// fileUploader is the slice of the supabase storage client we use.
type fileUploader interface {
	UploadFile(bucket, key string, data io.Reader) error
}

type supabaseFiles struct{ client *supabase.Client }

func (s supabaseFiles) UploadFile(bucket, key string, data io.Reader) error {
	_, err := s.client.Storage.UploadFile(bucket, key, data)
	return err
}

type Storage struct {
	files  fileUploader
	bucket string
}

// New creates a Supabase-backed uploader.
func New(config Config) (*Storage, error) {
	if config.URL == "" || config.ServiceRoleKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(config.URL, config.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	return &Storage{files: supabaseFiles{client: client}, bucket: config.Bucket}, nil
}

// Upload stores data under key. The supabase client has no context support,
// so ctx is only checked before the call.
func (s *Storage) Upload(ctx context.Context, key, contentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.files.UploadFile(s.bucket, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to upload %s to Supabase: %w", key, err)
	}
	return nil
}

// Artifacts are the finalized blobs of one interview.
type Artifacts struct {
	Audio      []byte
	Video      []byte
	Transcript string
	Assessment []byte
}

// Archive writes an interview's artifacts under interviews/<id>/.
type Archive struct {
	up  Uploader
	log zerolog.Logger
}

func NewArchive(up Uploader, log zerolog.Logger) *Archive {
	return &Archive{up: up, log: log.With().Str("component", "storage").Logger()}
}

// Prefix returns the object prefix of an interview.
func Prefix(interviewID string) string { return path.Join("interviews", interviewID) }

// Save uploads every non-empty artifact and returns the keys written. It
// keeps going after a failed upload and returns the joined errors.
func (a *Archive) Save(ctx context.Context, interviewID string, art Artifacts) ([]string, error) {
	type object struct {
		name, contentType string
		data              []byte
	}
	objects := []object{
		{"audio.ogg", "audio/ogg", art.Audio},
		{"video.ivf", "video/x-ivf", art.Video},
		{"transcript.txt", "text/plain; charset=utf-8", []byte(art.Transcript)},
		{"assessment.json", "application/json", art.Assessment},
	}
	var (
		keys []string
		errs []error
	)
	for _, o := range objects {
		if len(o.data) == 0 {
			continue
		}
		key := path.Join(Prefix(interviewID), o.name)
		if err := a.up.Upload(ctx, key, o.contentType, o.data); err != nil {
			a.log.Error().Err(err).Str("key", key).Msg("upload failed")
			errs = append(errs, err)
			continue
		}
		a.log.Info().Str("key", key).Int("bytes", len(o.data)).Msg("uploaded")
		keys = append(keys, key)
	}
	return keys, errors.Join(errs...)
}
