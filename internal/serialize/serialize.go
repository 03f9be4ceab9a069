// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package serialize defines the narrow value<->bytes interface the
// channel engine (C7) consumes, plus two shipped codecs: a JSON codec and
// a zstd-compressing decorator over any other codec. Concrete
// serialization formats beyond these are explicitly out of scope per
// spec.md §1 and are expected to be supplied by the embedding
// application through this same interface.
package serialize

import (
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/nishisan-dev/ipcrun/internal/ipcerr"
)

// Codec converts values to and from bytes for the wire.
type Codec interface {
	Serialize(v any) ([]byte, error)
	Deserialize(b []byte, v any) error
	Name() string
	ContentType() string
}

// JSONCodec is the default Codec, backed by encoding/json.
type JSONCodec struct{}

func (JSONCodec) Serialize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindSerialization, "serialize.json", err)
	}
	return b, nil
}

func (JSONCodec) Deserialize(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return ipcerr.New(ipcerr.KindSerialization, "deserialize.json", err)
	}
	return nil
}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

// CompressedCodec decorates another Codec with zstd compression, mirroring
// the teacher's ACK.CompressionMode negotiation
// (internal/protocol/frames.go's CompressionGzip/CompressionZstd
// constants) generalized into a reusable Codec decorator rather than a
// protocol-specific field.
type CompressedCodec struct {
	inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressedCodec wraps inner with zstd compression. The returned
// codec owns long-lived encoder/decoder state and should be reused across
// calls rather than reconstructed per message.
func NewCompressedCodec(inner Codec) (*CompressedCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, ipcerr.New(ipcerr.KindSerialization, "serialize.compressed.new", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, ipcerr.New(ipcerr.KindSerialization, "serialize.compressed.new", err)
	}
	return &CompressedCodec{inner: inner, encoder: enc, decoder: dec}, nil
}

func (c *CompressedCodec) Serialize(v any) ([]byte, error) {
	raw, err := c.inner.Serialize(v)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, make([]byte, 0, len(raw))), nil
}

func (c *CompressedCodec) Deserialize(b []byte, v any) error {
	raw, err := c.decoder.DecodeAll(b, nil)
	if err != nil {
		return ipcerr.New(ipcerr.KindSerialization, "deserialize.compressed", err)
	}
	return c.inner.Deserialize(raw, v)
}

func (c *CompressedCodec) Name() string        { return c.inner.Name() + "+zstd" }
func (c *CompressedCodec) ContentType() string { return "application/zstd" }

// Close releases the zstd encoder/decoder. Safe to call once, after which
// the codec must not be used again.
func (c *CompressedCodec) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

var (
	_ Codec = JSONCodec{}
	_ Codec = (*CompressedCodec)(nil)
)
