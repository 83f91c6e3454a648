package hierarchy

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

type blob struct {
	Counts  map[string]uint64 `cbor:"counts"`
	Anchors []string          `cbor:"anchors,omitempty"`
}

// Codec serializes hierarchy blobs as deterministic CBOR: map keys are
// sorted, so equal counts always produce equal bytes.
type Codec struct {
	Compression storage.Compression
}

var detMode, detModeErr = cbor.CoreDetEncOptions().EncMode()

func (c Codec) encode(b *blob) ([]byte, error) {
	if detModeErr != nil {
		return nil, errors.Wrap(detModeErr, "invalid cbor options")
	}
	raw, err := detMode.Marshal(b)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode hierarchy")
	}
	return c.Compression.Compress(raw)
}

func (c Codec) decode(data []byte) (*blob, error) {
	raw, err := c.Compression.Decompress(data)
	if err != nil {
		return nil, err
	}
	var b blob
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(err, "failed to decode hierarchy")
	}
	if b.Counts == nil {
		b.Counts = map[string]uint64{}
	}
	return &b, nil
}
