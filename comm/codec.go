package comm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how exchange payloads are compressed on the wire.
// Values are written into every frame header.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression: %q", name)
	}
}

var (
	errIncompressible = errors.New("payload is incompressible")
	errShortFrame     = errors.New("comm: short frame")

	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	// Core deterministic encoding: the same records always give the same bytes
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("comm: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("comm: CBOR decoder initialization failed: " + err.Error())
	}
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("comm: zstd encoder initialization failed: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil); err != nil {
		panic("comm: zstd decoder initialization failed: " + err.Error())
	}
}

// Codec turns record slices into exchange payloads and back. A frame is a
// one byte compression tag, the uvarint length of the uncompressed body, then
// the body. An empty payload decodes to the zero value.
type Codec struct {
	Compression Compression
}

func NewCodec(c Compression) *Codec {
	return &Codec{Compression: c}
}

func (c *Codec) Marshal(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("comm: encode: %w", err)
	}
	tag := c.Compression
	body, err := compress(raw, tag)
	if errors.Is(err, errIncompressible) {
		tag, body, err = CompressionNone, raw, nil
	}
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	frame[0] = byte(tag)
	frame = binary.AppendUvarint(frame, uint64(len(raw)))
	return append(frame, body...), nil
}

func (c *Codec) Unmarshal(frame []byte, v any) error {
	if len(frame) == 0 {
		return nil
	}
	tag := Compression(frame[0])
	rawLen, n := binary.Uvarint(frame[1:])
	if n <= 0 {
		return errShortFrame
	}
	raw, err := decompress(frame[1+n:], tag, int(rawLen))
	if err != nil {
		return err
	}
	if err = decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("comm: decode: %w", err)
	}
	return nil
}

func compress(raw []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return raw, nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		written, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if written == 0 || written >= len(raw) {
			return nil, errIncompressible
		}
		return dst[:written], nil
	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(raw, nil)
		if len(compressed) >= len(raw) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", tag)
	}
}

func decompress(body []byte, tag Compression, rawLen int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(body) != rawLen {
			return nil, fmt.Errorf("comm: frame body %d bytes, header says %d", len(body), rawLen)
		}
		return body, nil
	case CompressionLZ4:
		dst := make([]byte, rawLen)
		read, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != rawLen {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawLen)
		}
		return dst, nil
	case CompressionZstd:
		raw, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawLen))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(raw) != rawLen {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(raw), rawLen)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", tag)
	}
}

// AllGatherOf gathers one value of type T from every rank, indexed by rank.
func AllGatherOf[T any](pc *ProcessContext, c *Codec, v T) ([]T, error) {
	payload, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	frames, err := pc.AllGather(payload)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(frames))
	for rank, frame := range frames {
		if err = c.Unmarshal(frame, &out[rank]); err != nil {
			return nil, fmt.Errorf("from rank %d: %w", rank, err)
		}
	}
	return out, nil
}

// AllToAllOf sends send[dst] to every rank dst and returns what each rank
// sent here, indexed by source rank.
func AllToAllOf[T any](pc *ProcessContext, c *Codec, send []T) ([]T, error) {
	if len(send) != pc.Size {
		return nil, fmt.Errorf("comm: all-to-all with %d values in a world of %d", len(send), pc.Size)
	}
	payloads := make([][]byte, pc.Size)
	for dst := range send {
		var err error
		if payloads[dst], err = c.Marshal(send[dst]); err != nil {
			return nil, err
		}
	}
	frames, err := pc.AllToAll(payloads)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(frames))
	for rank, frame := range frames {
		if err = c.Unmarshal(frame, &out[rank]); err != nil {
			return nil, fmt.Errorf("from rank %d: %w", rank, err)
		}
	}
	return out, nil
}

// SumInts is an all-reduce over one int64 per rank.
func SumInts(pc *ProcessContext, c *Codec, v int64) (int64, error) {
	all, err := AllGatherOf(pc, c, v)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, x := range all {
		sum += x
	}
	return sum, nil
}
