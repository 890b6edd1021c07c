package model

import "context"

// Uploader publishes the raw JSON of a finished job result.
type Uploader interface {
	Upload(ctx context.Context, raw []byte) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
