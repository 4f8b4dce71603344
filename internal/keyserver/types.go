package keyserver

import (
	"context"

	"github.com/nholik/exposure-sentinel/internal/exposure"
)

// FileRef locates one diagnosis-key file on the key service.
type FileRef struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
}

// LocalFile is a downloaded key file. It is owned by the detection run that downloaded it.
type LocalFile struct {
	Ref    FileRef
	Path   string
	Size   int64
	Digest string
}

// Service is the key-service surface used by detection and sharing.
type Service interface {
	ListFiles(ctx context.Context, startIndex int) ([]FileRef, error)
	Download(ctx context.Context, ref FileRef) (LocalFile, error)
	FetchConfiguration(ctx context.Context) (exposure.Configuration, error)
	SubmitKeys(ctx context.Context, keys []exposure.TemporaryExposureKey) error
	DeleteLocalFiles(files []LocalFile)
}

// Ensure Client implements Service at compile time.
var _ Service = (*Client)(nil)

type listResponse struct {
	Files []FileRef `json:"files"`
	Next  int       `json:"next"`
	More  bool      `json:"more"`
}

type submitRequest struct {
	Keys []exposure.TemporaryExposureKey `json:"keys"`
}

type submitResponse struct {
	Index int `json:"index"`
}
