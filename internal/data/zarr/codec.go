package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec names understood by this package.
const (
	CodecBytes    = "bytes"
	CodecVLenUTF8 = "vlen-utf8"
	CodecZstd     = "zstd"
	CodecGzip     = "gzip"
)

// codecs holds the shared compressors. zstd encoders and decoders are safe
// for concurrent EncodeAll/DecodeAll calls.
type codecs struct {
	decoder *zstd.Decoder
	encoder *zstd.Encoder
}

func newCodecs(zstdLevel int) (*codecs, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	if err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &codecs{decoder: decoder, encoder: encoder}, nil
}

func (c *codecs) close() {
	if c.decoder != nil {
		c.decoder.Close()
	}
	if c.encoder != nil {
		c.encoder.Close()
	}
}

// splitCodecs separates the array->bytes codec from the bytes->bytes chain.
func splitCodecs(meta *ArrayMeta) (Codec, []Codec, error) {
	var arrayCodec *Codec
	var chain []Codec
	for _, c := range meta.Codecs {
		switch c.Name {
		case CodecBytes, CodecVLenUTF8:
			if arrayCodec != nil {
				return Codec{}, nil, fmt.Errorf("multiple array->bytes codecs")
			}
			c := c
			arrayCodec = &c
		case CodecZstd, CodecGzip:
			if arrayCodec == nil {
				return Codec{}, nil, fmt.Errorf("codec %s before array->bytes codec", c.Name)
			}
			chain = append(chain, c)
		default:
			return Codec{}, nil, fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}
	if arrayCodec == nil {
		// zarr v3 requires one; older writers that omit it imply little-endian bytes.
		return Codec{Name: CodecBytes}, chain, nil
	}
	return *arrayCodec, chain, nil
}

// decodeBytes undoes the bytes->bytes codecs in reverse order.
func (c *codecs) decodeBytes(data []byte, chain []Codec) ([]byte, error) {
	for i := len(chain) - 1; i >= 0; i-- {
		switch chain[i].Name {
		case CodecZstd:
			out, err := c.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
			data = out
		case CodecGzip:
			zr, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			out, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
			data = out
		}
	}
	return data, nil
}

// encodeBytes applies the bytes->bytes codecs in order.
func (c *codecs) encodeBytes(data []byte, chain []Codec) ([]byte, error) {
	for _, codec := range chain {
		switch codec.Name {
		case CodecZstd:
			data = c.encoder.EncodeAll(data, nil)
		case CodecGzip:
			level := gzip.DefaultCompression
			if l, ok := codec.Configuration["level"].(float64); ok {
				level = int(l)
			} else if l, ok := codec.Configuration["level"].(int); ok {
				level = l
			}
			var buf bytes.Buffer
			zw, err := gzip.NewWriterLevel(&buf, level)
			if err != nil {
				return nil, err
			}
			if _, err := zw.Write(data); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			data = buf.Bytes()
		}
	}
	return data, nil
}

func isBigEndian(c Codec) bool {
	e, _ := c.Configuration["endian"].(string)
	return e == "big"
}

// encodeVLenUTF8 encodes strings as a uint32 item count followed by
// length-prefixed UTF-8 items, all little-endian.
func encodeVLenUTF8(values []string) []byte {
	size := 4
	for _, s := range values {
		size += 4 + len(s)
	}
	out := make([]byte, 4, size)
	binary.LittleEndian.PutUint32(out, uint32(len(values)))
	var l [4]byte
	for _, s := range values {
		binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
		out = append(out, l[:]...)
		out = append(out, s...)
	}
	return out
}

func decodeVLenUTF8(data []byte) ([]string, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("vlen-utf8 chunk too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data))
	out := make([]string, n)
	off := 4
	for i := 0; i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("vlen-utf8 chunk truncated at item %d", i)
		}
		l := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+l > len(data) {
			return nil, fmt.Errorf("vlen-utf8 chunk truncated at item %d", i)
		}
		out[i] = string(data[off : off+l])
		off += l
	}
	return out, nil
}
