package vault

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression selects how the database image is packed before encryption.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// zstdMagic starts every zstd frame. A SQLite image starts with
// "SQLite format 3\x00", so the two never collide.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
)

func (c Compression) valid() bool {
	return c == "" || c == CompressionNone || c == CompressionZstd
}

func compress(c Compression, image []byte) ([]byte, error) {
	if c != CompressionZstd {
		return image, nil
	}

	enc, err := zstdEncoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	return enc.EncodeAll(image, make([]byte, 0, len(image)/2)), nil
}

// decompress unpacks a zstd frame and passes anything else through, so
// snapshots written with either setting load under both.
func decompress(plain []byte) ([]byte, error) {
	if !bytes.HasPrefix(plain, zstdMagic) {
		return plain, nil
	}

	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	image, err := dec.DecodeAll(plain, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCorruptSnapshot, err)
	}

	return image, nil
}
