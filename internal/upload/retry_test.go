package upload_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testexechq/control-plane/internal/upload"
)

// fakeUploader fails the first `failures` calls of every operation.
type fakeUploader struct {
	failures int
	calls    int
	uploaded map[string]string
	deleted  []string
}

var _ upload.Uploader = (*fakeUploader)(nil)

func newFakeUploader(failures int) *fakeUploader {
	return &fakeUploader{failures: failures, uploaded: map[string]string{}}
}

func (f *fakeUploader) step() error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient failure")
	}

	return nil
}

func (f *fakeUploader) Upload(
	_ context.Context,
	reader io.ReadSeeker,
	_ int64,
	url string,
) error {
	if err := f.step(); err != nil {
		return err
	}

	content, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	f.uploaded[url] = string(content)

	return nil
}

func (f *fakeUploader) Exists(_ context.Context, url string) (bool, error) {
	if err := f.step(); err != nil {
		return false, err
	}

	_, ok := f.uploaded[url]
	return ok, nil
}

func (f *fakeUploader) List(_ context.Context, prefix string) ([]string, error) {
	if err := f.step(); err != nil {
		return nil, err
	}

	names := []string{}
	for name := range f.uploaded {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}

	return names, nil
}

func (f *fakeUploader) Delete(_ context.Context, url string) error {
	if err := f.step(); err != nil {
		return err
	}

	delete(f.uploaded, url)
	f.deleted = append(f.deleted, url)
	return nil
}

func (f *fakeUploader) StoreIdentifier(_ context.Context) (string, error) {
	if err := f.step(); err != nil {
		return "", err
	}

	return "fake-store", nil
}

func (f *fakeUploader) PresignedReadURL(
	_ context.Context,
	url string,
	_ time.Duration,
) (string, error) {
	if err := f.step(); err != nil {
		return "", err
	}

	return "https://fake/" + url, nil
}

func fastBackoff(maxRetries uint64) func() retry.Backoff {
	return func() retry.Backoff {
		b := retry.NewConstant(time.Millisecond)
		b = retry.WithMaxRetries(maxRetries, b)
		return b
	}
}

func TestRetryUploaderUploadRecovers(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUploader(2)

	retrying := upload.NewRetryUploaderBackoff(fake, fastBackoff(3))

	reader := strings.NewReader("report body")
	err := retrying.Upload(ctx, reader, int64(reader.Len()), "acme/pay/job/test-results.xml")
	require.NoError(t, err)

	// the reader is rewound before every attempt, the stored body is whole
	assert.Equal(t, "report body", fake.uploaded["acme/pay/job/test-results.xml"])
	assert.Equal(t, 3, fake.calls)
}

func TestRetryUploaderUploadExhausts(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUploader(10)

	retrying := upload.NewRetryUploaderBackoff(fake, fastBackoff(2))

	reader := strings.NewReader("report body")
	err := retrying.Upload(ctx, reader, int64(reader.Len()), "blob")
	require.Error(t, err)
}

func TestRetryUploaderDeleteRecovers(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUploader(0)
	fake.uploaded["old/blob"] = "data"
	fake.failures = 1
	fake.calls = 0

	retrying := upload.NewRetryUploaderBackoff(fake, fastBackoff(3))

	require.NoError(t, retrying.Delete(ctx, "old/blob"))
	assert.Equal(t, []string{"old/blob"}, fake.deleted)
}

func TestRetryUploaderListAndExists(t *testing.T) {
	ctx := context.Background()
	fake := newFakeUploader(0)
	fake.uploaded["acme/pay/j1/test-results.xml"] = "a"
	fake.uploaded["acme/pay/j1/full-log.txt"] = "b"
	fake.uploaded["globex/core/j2/test-results.xml"] = "c"

	retrying := upload.NewRetryUploaderBackoff(fake, fastBackoff(1))

	names, err := retrying.List(ctx, "acme/pay/j1/")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"acme/pay/j1/test-results.xml", "acme/pay/j1/full-log.txt"},
		names,
	)

	exists, err := retrying.Exists(ctx, "acme/pay/j1/full-log.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}
