package registry

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/storage"
)

const (
	codecVersion = 1
	headerSize   = 10
	recordSize   = 8*4 + 5
)

// ErrCorruptChunk is returned when a blob does not decode to a valid chunk.
var ErrCorruptChunk = errors.New("corrupt chunk")

// encodeCells writes the header (version, grid flag, cell count) followed by
// one fixed size little endian record per cell. Cells must already be in
// data.Less order for the output to be deterministic.
func encodeCells(cells []*data.Cell, gridded bool, compression storage.Compression) ([]byte, error) {
	buf := make([]byte, headerSize+recordSize*len(cells))
	buf[0] = codecVersion
	if gridded {
		buf[1] = 1
	}
	binary.LittleEndian.PutUint64(buf[2:], uint64(len(cells)))
	pos := headerSize
	for _, c := range cells {
		binary.LittleEndian.PutUint64(buf[pos:], math.Float64bits(c.X))
		binary.LittleEndian.PutUint64(buf[pos+8:], math.Float64bits(c.Y))
		binary.LittleEndian.PutUint64(buf[pos+16:], math.Float64bits(c.Z))
		binary.LittleEndian.PutUint64(buf[pos+24:], c.Origin)
		buf[pos+32] = c.R
		buf[pos+33] = c.G
		buf[pos+34] = c.B
		buf[pos+35] = c.Intensity
		buf[pos+36] = c.Classification
		pos += recordSize
	}
	return compression.Compress(buf)
}

// decodeCells is the inverse of encodeCells. Cells are taken from pool.
func decodeCells(payload []byte, compression storage.Compression, pool *data.CellPool) ([]*data.Cell, bool, error) {
	buf, err := compression.Decompress(payload)
	if err != nil {
		return nil, false, err
	}
	if len(buf) < headerSize || buf[0] != codecVersion {
		return nil, false, errors.Wrap(ErrCorruptChunk, "bad header")
	}
	gridded := buf[1] == 1
	n := binary.LittleEndian.Uint64(buf[2:])
	if uint64(len(buf)-headerSize) != n*recordSize {
		return nil, false, errors.Wrapf(ErrCorruptChunk, "expected %d cells in %d bytes", n, len(buf))
	}
	cells := make([]*data.Cell, 0, n)
	pos := headerSize
	for i := uint64(0); i < n; i++ {
		c := pool.Get()
		c.X = math.Float64frombits(binary.LittleEndian.Uint64(buf[pos:]))
		c.Y = math.Float64frombits(binary.LittleEndian.Uint64(buf[pos+8:]))
		c.Z = math.Float64frombits(binary.LittleEndian.Uint64(buf[pos+16:]))
		c.Origin = binary.LittleEndian.Uint64(buf[pos+24:])
		c.R = buf[pos+32]
		c.G = buf[pos+33]
		c.B = buf[pos+34]
		c.Intensity = buf[pos+35]
		c.Classification = buf[pos+36]
		cells = append(cells, c)
		pos += recordSize
	}
	return cells, gridded, nil
}

// encode serializes the chunk. The caller holds the chunk lock.
func (c *Chunk) encode(compression storage.Compression) ([]byte, error) {
	return encodeCells(c.Cells(), c.gridded, compression)
}

// decode replaces the content of an empty chunk. The caller holds the chunk
// lock.
func (c *Chunk) decode(payload []byte, compression storage.Compression, pool *data.CellPool) error {
	cells, gridded, err := decodeCells(payload, compression, pool)
	if err != nil {
		return errors.Wrapf(err, "chunk %s", c.id)
	}
	c.gridded = gridded
	var losers []*data.Cell
	for _, cell := range cells {
		losers = c.place(cell, losers)
	}
	if len(losers) != 0 {
		pool.Put(losers...)
		c.release(pool)
		return errors.Wrapf(ErrCorruptChunk, "chunk %s holds %d overlapping cells", c.id, len(losers))
	}
	return nil
}
