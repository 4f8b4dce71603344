package exposure

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// KeyFile is one batch of diagnosis keys as published by the key service.
type KeyFile struct {
	Index       int                    `json:"index"`
	GeneratedAt time.Time              `json:"generated_at"`
	Keys        []TemporaryExposureKey `json:"keys"`
}

// EncodeKeyFile serializes a key file.
func EncodeKeyFile(file KeyFile) ([]byte, error) {
	return json.Marshal(file)
}

// ParseKeyFile decodes a key file.
func ParseKeyFile(data []byte) (KeyFile, error) {
	if len(data) == 0 {
		return KeyFile{}, errors.New("key file is empty")
	}
	var file KeyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return KeyFile{}, fmt.Errorf("decode key file: %w", err)
	}
	return file, nil
}
