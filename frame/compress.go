package frame

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payloads at or below this size are sent as-is; chat text rarely crosses
// it, history-sized deliveries and image metadata batches do.
const compressionThreshold = 1024

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(4*MaxPayloadLen))
)

// Compress returns (compressed, true) when zstd makes payload smaller,
// otherwise (payload, false).
func Compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressionThreshold {
		return payload, false
	}
	out := encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(out) >= len(payload) {
		return payload, false
	}
	return out, true
}

// Decompress inflates a zstd payload.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("frame: decompress: %w", err)
	}
	return out, nil
}

// Payload returns the frame payload with compression undone.
func Payload(h Header, payload []byte) ([]byte, error) {
	if !h.IsCompressed() {
		return payload, nil
	}
	return Decompress(payload)
}
