package documents

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// payloads smaller than this are stored as-is
const compressionThreshold = 128

// codec compresses revision payloads at rest. EncodeAll and DecodeAll are
// safe for concurrent use.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) compress(b []byte) []byte {
	return c.enc.EncodeAll(b, make([]byte, 0, len(b)/2))
}

func (c *codec) decompress(b []byte) ([]byte, error) {
	return c.dec.DecodeAll(b, nil)
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
