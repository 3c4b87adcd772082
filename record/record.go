// Package record implements the buffer format of one node-to-node transfer:
//
//	int32 count
//	count × { int32 key; float64 payload[elementsPerGroup] }
//
// Integers and floats are in native byte order; every participant runs the
// same binary. elementsPerGroup is agreed out of band and never carried on
// the wire, so a mismatch corrupts the whole buffer.
package record

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

const (
	HeaderBytes  = 4 // record count
	KeyBytes     = 4 // group key
	ElementBytes = 8 // one float64 payload element
)

var (
	// ErrKeyNotFound is returned by Lookup for a key absent from the buffer
	ErrKeyNotFound = errors.New("group key not found")
	// ErrMalformed is returned for buffers inconsistent with their header
	ErrMalformed = errors.New("malformed record buffer")
)

var order = binary.NativeEndian

// RecordBytes returns the stride of one record
func RecordBytes(elementsPerGroup int) int {
	return KeyBytes + ElementBytes*elementsPerGroup
}

// Size returns the exact size of a buffer holding records records
func Size(records, elementsPerGroup int) int {
	return HeaderBytes + records*RecordBytes(elementsPerGroup)
}

// Encoder appends records to a caller-owned buffer
type Encoder struct {
	buf      []byte
	elements int
	pos      int
	count    int
	keys     map[int32]struct{}
}

// NewEncoder starts a record set in buf
func NewEncoder(buf []byte, elementsPerGroup int) (*Encoder, error) {
	if elementsPerGroup <= 0 {
		return nil, errors.Errorf("elements per group %d must be positive", elementsPerGroup)
	}
	if len(buf) < HeaderBytes {
		return nil, errors.Errorf("buffer of %d bytes cannot hold the record header", len(buf))
	}
	return &Encoder{
		buf:      buf,
		elements: elementsPerGroup,
		pos:      HeaderBytes,
		keys:     make(map[int32]struct{}),
	}, nil
}

// Append writes one record
func (e *Encoder) Append(key int32, payload []float64) error {
	if len(payload) != e.elements {
		return errors.Errorf("group %d: payload has %d elements, want %d", key, len(payload), e.elements)
	}
	if _, dup := e.keys[key]; dup {
		return errors.Errorf("group %d appended twice", key)
	}
	stride := RecordBytes(e.elements)
	if e.pos+stride > len(e.buf) {
		return errors.Errorf("group %d: record of %d bytes overruns buffer at offset %d of %d",
			key, stride, e.pos, len(e.buf))
	}
	order.PutUint32(e.buf[e.pos:], uint32(key))
	off := e.pos + KeyBytes
	for _, v := range payload {
		order.PutUint64(e.buf[off:], math.Float64bits(v))
		off += ElementBytes
	}
	e.pos = off
	e.keys[key] = struct{}{}
	e.count++
	return nil
}

// Count returns the number of records appended so far
func (e *Encoder) Count() int { return e.count }

// Finish writes the header and returns the number of bytes used
func (e *Encoder) Finish() int {
	order.PutUint32(e.buf[0:], uint32(e.count))
	return e.pos
}

// Decoder finds payloads by group key in a received buffer. Each located
// payload is decoded once and cached; a Decoder must not outlive the buffer
// contents it was built on.
type Decoder struct {
	buf      []byte
	elements int
	count    int
	scanned  int // records already indexed by the linear scan
	offsets  map[int32]int
	cache    map[int32][]float64
}

// NewDecoder validates the header of buf
func NewDecoder(buf []byte, elementsPerGroup int) (*Decoder, error) {
	if elementsPerGroup <= 0 {
		return nil, errors.Errorf("elements per group %d must be positive", elementsPerGroup)
	}
	if len(buf) < HeaderBytes {
		return nil, errors.Wrapf(ErrMalformed, "%d bytes cannot hold the record header", len(buf))
	}
	count := int(int32(order.Uint32(buf)))
	if count < 0 {
		return nil, errors.Wrapf(ErrMalformed, "negative record count %d", count)
	}
	if need := Size(count, elementsPerGroup); need > len(buf) {
		return nil, errors.Wrapf(ErrMalformed, "%d records of %d elements need %d bytes, have %d",
			count, elementsPerGroup, need, len(buf))
	}
	return &Decoder{
		buf:      buf,
		elements: elementsPerGroup,
		count:    count,
		offsets:  make(map[int32]int, count),
		cache:    make(map[int32][]float64),
	}, nil
}

// Count returns the number of records in the buffer
func (d *Decoder) Count() int { return d.count }

// Lookup returns the payload of key. The returned slice is shared by later
// lookups of the same key and must not be modified.
func (d *Decoder) Lookup(key int32) ([]float64, error) {
	if p, ok := d.cache[key]; ok {
		return p, nil
	}
	off, ok := d.offsets[key]
	if !ok {
		var err error
		if off, err = d.scan(key); err != nil {
			return nil, err
		}
	}
	p := make([]float64, d.elements)
	for i := range p {
		p[i] = math.Float64frombits(order.Uint64(d.buf[off+i*ElementBytes:]))
	}
	d.cache[key] = p
	return p, nil
}

// scan continues the linear scan from where the last one stopped, indexing
// every key it passes
func (d *Decoder) scan(key int32) (int, error) {
	stride := RecordBytes(d.elements)
	for d.scanned < d.count {
		pos := HeaderBytes + d.scanned*stride
		k := int32(order.Uint32(d.buf[pos:]))
		d.scanned++
		if _, dup := d.offsets[k]; dup {
			return 0, errors.Wrapf(ErrMalformed, "group %d appears twice", k)
		}
		d.offsets[k] = pos + KeyBytes
		if k == key {
			return pos + KeyBytes, nil
		}
	}
	return 0, errors.Wrapf(ErrKeyNotFound, "group %d (available %v)", key, d.Keys())
}

// Keys returns every key in the buffer, in wire order
func (d *Decoder) Keys() []int32 {
	stride := RecordBytes(d.elements)
	keys := make([]int32, d.count)
	for i := range keys {
		keys[i] = int32(order.Uint32(d.buf[HeaderBytes+i*stride:]))
	}
	return keys
}
