package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the block compression of a checkpoint payload.
type Compression uint8

const (
	CompressionNone Compression = 0
	// CompressionLZ4 is fast, for frequent checkpoints.
	CompressionLZ4 Compression = 1
	// CompressionZSTD has the better ratio, for archived runs.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression maps "none", "lz4" and "zstd" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Block format: [UncompressedSize uint32][CompressedSize uint32][Data...].
// CompressedSize 0 means the data is stored as is.
const blockHeaderSize = 8

func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		compressed = buf[:n]
	case CompressionZSTD:
		enc, err := getZstdEncoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unsupported compression %s", c)
	}

	// Incompressible payloads are stored raw.
	if len(compressed) == 0 || len(compressed) >= len(data) {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[blockHeaderSize:], data)
		return out, nil
	}
	out := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(compressed)))
	copy(out[blockHeaderSize:], compressed)
	return out, nil
}

func decompressBlock(block []byte, c Compression) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, errors.New("block too small for header")
	}
	uncompressedSize := binary.LittleEndian.Uint32(block[0:])
	compressedSize := binary.LittleEndian.Uint32(block[4:])
	body := block[blockHeaderSize:]

	if compressedSize == 0 {
		if uint32(len(body)) != uncompressedSize {
			return nil, fmt.Errorf("raw block holds %d bytes, header says %d", len(body), uncompressedSize)
		}
		return body, nil
	}
	if uint32(len(body)) != compressedSize {
		return nil, fmt.Errorf("compressed block holds %d bytes, header says %d", len(body), compressedSize)
	}

	switch c {
	case CompressionLZ4:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		if uint32(n) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	case CompressionZSTD:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if uint32(len(out)) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("compressed block with compression %s", c)
	}
}
