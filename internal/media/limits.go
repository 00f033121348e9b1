package media

import (
	"errors"
	"fmt"
	"io"
)

// MaxAssetBytes caps any single inbound or generated media payload.
const MaxAssetBytes int64 = 50 * 1024 * 1024

var (
	ErrAssetNotFound = errors.New("media asset not found")
	ErrAssetTooLarge = errors.New("media asset too large")
	ErrEmptyAsset    = errors.New("media asset is empty")
)

// ReadAsset drains r into memory. Payloads over maxBytes fail with ErrAssetTooLarge
// and zero-length payloads with ErrEmptyAsset. maxBytes <= 0 means MaxAssetBytes.
func ReadAsset(r io.Reader, maxBytes int64) ([]byte, error) {
	if r == nil {
		return nil, ErrEmptyAsset
	}
	if maxBytes <= 0 {
		maxBytes = MaxAssetBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset: %w", err)
	}
	switch {
	case int64(len(data)) > maxBytes:
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	case len(data) == 0:
		return nil, ErrEmptyAsset
	}
	return data, nil
}
