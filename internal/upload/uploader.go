package upload

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer(
	"github.com/testexechq/control-plane/internal/upload",
)

// Generic file persistence interface. Artifacts are stored under
// `{lob_id}/{team_id}/{job_id}/{file_name}` blob names.
type Uploader interface {
	// Create / Overwrite file contents by `url` (blobName)
	Upload(ctx context.Context, reader io.ReadSeeker, length int64, url string) error
	// Check if a file exists (focused on preventing uploading the same file multiple times not authoritative existence)
	//
	// May always return false
	Exists(ctx context.Context, url string) (bool, error)
	// List blob names under `prefix`
	List(ctx context.Context, prefix string) ([]string, error)
	// Remove the blob by `url`. Deleting a missing blob is not an error.
	Delete(ctx context.Context, url string) error
	// Provide an identifier for where files are being uploaded to. Useful for logging and auditing purposes.
	StoreIdentifier(ctx context.Context) (string, error)
	// Anonymous, readonly, internet accessible URL for downloading the file
	PresignedReadURL(ctx context.Context, url string, duration time.Duration) (string, error)
}
