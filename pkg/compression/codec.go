package compression

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var ErrUnknownCodec = errors.New("compression: unknown codec")

// Codec compresses single records such as WAL lines.
type Codec interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// ByName returns the codec registered under name. An empty name means snappy.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return Snappy{}, nil
	case "zstd":
		z, err := NewZstd()
		if err != nil {
			return nil, err
		}
		return z, nil
	default:
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownCodec)
	}
}

// Snappy is the block format of github.com/golang/snappy.
type Snappy struct{}

func (Snappy) Name() string { return "snappy" }

func (Snappy) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (Snappy) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return out, nil
}

// Zstd holds a reusable encoder/decoder pair. EncodeAll and DecodeAll are
// safe for concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder

	once sync.Once
}

func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Name() string { return "zstd" }

func (z *Zstd) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *Zstd) Decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Close releases the encoder and decoder.
func (z *Zstd) Close() {
	z.once.Do(func() {
		z.enc.Close()
		z.dec.Close()
	})
}
