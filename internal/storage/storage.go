package storage

import "context"

// Uploader persists a recording chunk under an object key. Uploads of the
// same key overwrite, which is what makes chunk retries idempotent.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, data []byte) (url string, err error)
}
