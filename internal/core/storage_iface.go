package core

import "context"

// StoredObject describes a persisted blob.
type StoredObject struct {
	Key       string `json:"key"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	SignedURL string `json:"signedUrl"`
}

// BlobStore persists artifacts and diagnostic dumps.
type BlobStore interface {
	Store(ctx context.Context, data []byte, key string, meta map[string]string) (StoredObject, error)
}
