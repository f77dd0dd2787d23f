package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles struct {
	bucket, key string
	body        []byte
	err         error
}

func (f *fakeFiles) UploadFile(bucket, key string, data io.Reader) error {
	f.bucket, f.key = bucket, key
	f.body, _ = io.ReadAll(data)
	return f.err
}

func TestStorage_Upload(t *testing.T) {
	ff := &fakeFiles{}
	s := &Storage{files: ff, bucket: "recordings"}

	require.NoError(t, s.Upload(context.Background(), "interviews/1/audio.ogg", "audio/ogg", []byte("OggS")))
	assert.Equal(t, "recordings", ff.bucket)
	assert.Equal(t, "interviews/1/audio.ogg", ff.key)
	assert.Equal(t, []byte("OggS"), ff.body)

	ff.err = errors.New("403")
	err := s.Upload(context.Background(), "k", "text/plain", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k")
}

func TestStorage_UploadCancelled(t *testing.T) {
	ff := &fakeFiles{}
	s := &Storage{files: ff, bucket: "b"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Upload(ctx, "k", "text/plain", []byte("x")), context.Canceled)
	assert.Empty(t, ff.key)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Config{Bucket: "b"})
	assert.Error(t, err)
}

type fakeUploader struct {
	keys  []string
	types map[string]string
	fail  string
}

func (f *fakeUploader) Upload(_ context.Context, key, contentType string, _ []byte) error {
	if key == f.fail {
		return errors.New("boom")
	}
	f.keys = append(f.keys, key)
	if f.types == nil {
		f.types = map[string]string{}
	}
	f.types[key] = contentType
	return nil
}

func TestArchive_Save(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchive(up, zerolog.Nop())

	keys, err := a.Save(context.Background(), "abc", Artifacts{
		Audio:      []byte("OggS"),
		Transcript: "Interviewer: hi\n",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"interviews/abc/audio.ogg", "interviews/abc/transcript.txt"}, keys)
	assert.Equal(t, "audio/ogg", up.types["interviews/abc/audio.ogg"])
}

func TestArchive_SaveContinuesAfterFailure(t *testing.T) {
	up := &fakeUploader{fail: "interviews/abc/audio.ogg"}
	a := NewArchive(up, zerolog.Nop())

	keys, err := a.Save(context.Background(), "abc", Artifacts{
		Audio: []byte("OggS"),
		Video: []byte("DKIF"),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"interviews/abc/video.ivf"}, keys)
}
