package statemap

import (
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// DefaultCompressionLevel matches zstd level 5, the original default for
// compressed state files.
const DefaultCompressionLevel = 5

// zstdCodec wraps another codec with a zstd filter. The level is fixed at
// construction. A decompression failure is a decode failure, so File.Load
// resets to empty exactly as it would for a truncated plain file.
type zstdCodec struct {
	inner Codec
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

func newZstdCodec(inner Codec, level int) (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, errors.Wrap(err, "statemap: zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "statemap: zstd decoder")
	}
	return &zstdCodec{inner: inner, enc: enc, dec: dec}, nil
}

func (z *zstdCodec) Marshal(state State) ([]byte, error) {
	raw, err := z.inner.Marshal(state)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(raw, nil), nil
}

func (z *zstdCodec) Unmarshal(data []byte) (State, error) {
	raw, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	return z.inner.Unmarshal(raw)
}

// NewCompressedFile is a File whose serialization step runs through zstd
// at the given level. The on-disk format carries no magic bytes of its
// own beyond the zstd frame; a file written by NewFile is not readable
// here and vice versa.
func NewCompressedFile(path string, level int, opts ...FileOpt) (*File, error) {
	f := NewFile(path, opts...)
	codec, err := newZstdCodec(f.codec, level)
	if err != nil {
		return nil, err
	}
	f.codec = codec
	return f, nil
}
