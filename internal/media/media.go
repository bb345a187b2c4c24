package media

import (
	"context"
)

// Uploader is the media store collaborator. The worker uploads raw payload
// bytes before persisting, replacing them with the returned reference.
type Uploader interface {
	Upload(ctx context.Context, raw []byte, mimeType string) (string, error)
}
