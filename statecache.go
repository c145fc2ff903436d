// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// State cache format errors.
var ErrBadStateCache = errors.New("pipecache: bad state cache data")

// State cache binary format constants.
const (
	stateCacheMagic   = 0x43535043 // "PCSC" little-endian
	stateCacheVersion = 1

	recordKindGraphics = 'G'
	recordKindCompute  = 'C'
)

// StateCache records which pipeline instances were compiled so a later
// run can replay them through the compiler pool before first use.
// Records identify instances by shader set identity plus serialized
// state vector; no device handles or bytecode are stored.
//
// Write failures are non-fatal: the run continues without a cache, and
// the failure is logged once.
//
// Thread safety: StateCache is safe for concurrent use.
type StateCache struct {
	mu         sync.Mutex
	w          io.Writer
	headerDone bool
	disabled   bool

	failLogged atomic.Bool
}

// NewStateCache creates a cache writing records to w, typically an
// append-mode file. The format header is emitted before the first
// record.
func NewStateCache(w io.Writer) *StateCache {
	return &StateCache{w: w}
}

// WriteGraphics records a successfully compiled graphics instance.
func (c *StateCache) WriteGraphics(key GraphicsKey, state *GraphicsState) {
	blob, err := state.MarshalBinary()
	if err != nil {
		c.fail(err)
		return
	}

	var rec []byte
	rec = append(rec, recordKindGraphics)
	for _, h := range key {
		rec = binary.LittleEndian.AppendUint64(rec, h)
	}
	c.appendBlob(rec, blob)
}

// WriteCompute records a successfully compiled compute instance.
func (c *StateCache) WriteCompute(key uint64, state *ComputeState) {
	blob, err := state.MarshalBinary()
	if err != nil {
		c.fail(err)
		return
	}

	var rec []byte
	rec = append(rec, recordKindCompute)
	rec = binary.LittleEndian.AppendUint64(rec, key)
	c.appendBlob(rec, blob)
}

// appendBlob finishes a record with the length-prefixed state blob and
// writes it out under the lock.
func (c *StateCache) appendBlob(rec, blob []byte) {
	//nolint:gosec // G115: marshaled state vectors are a few hundred bytes
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(blob)))
	rec = append(rec, blob...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return
	}
	if !c.headerDone {
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], stateCacheMagic)
		binary.LittleEndian.PutUint32(hdr[4:], stateCacheVersion)
		if _, err := c.w.Write(hdr[:]); err != nil {
			c.disabled = true
			c.fail(err)
			return
		}
		c.headerDone = true
	}
	if _, err := c.w.Write(rec); err != nil {
		c.disabled = true
		c.fail(err)
	}
}

// fail reports the first failure. Later failures stay silent.
func (c *StateCache) fail(err error) {
	if c.failLogged.CompareAndSwap(false, true) {
		Logger().Warn("pipecache: state cache write failed", "error", err)
	}
}

// StateRecordKind distinguishes record types in the cache stream.
type StateRecordKind byte

const (
	StateRecordGraphics StateRecordKind = recordKindGraphics
	StateRecordCompute  StateRecordKind = recordKindCompute
)

// StateRecord is one replayable entry read from a state cache stream.
type StateRecord struct {
	Kind StateRecordKind

	// Graphics fields, valid when Kind is StateRecordGraphics.
	GraphicsKey   GraphicsKey
	GraphicsState *GraphicsState

	// Compute fields, valid when Kind is StateRecordCompute.
	ComputeKey   uint64
	ComputeState *ComputeState
}

// StateCacheReader decodes a stream written by StateCache.
type StateCacheReader struct {
	r          io.Reader
	headerDone bool
}

// NewStateCacheReader creates a reader over r.
func NewStateCacheReader(r io.Reader) *StateCacheReader {
	return &StateCacheReader{r: r}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (cr *StateCacheReader) Next() (*StateRecord, error) {
	if !cr.headerDone {
		var hdr [8]byte
		if _, err := io.ReadFull(cr.r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: short header", ErrBadStateCache)
		}
		if binary.LittleEndian.Uint32(hdr[0:]) != stateCacheMagic {
			return nil, fmt.Errorf("%w: bad magic", ErrBadStateCache)
		}
		if binary.LittleEndian.Uint32(hdr[4:]) != stateCacheVersion {
			return nil, fmt.Errorf("%w: unsupported version", ErrBadStateCache)
		}
		cr.headerDone = true
	}

	var kind [1]byte
	if _, err := io.ReadFull(cr.r, kind[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: truncated record", ErrBadStateCache)
	}

	rec := &StateRecord{Kind: StateRecordKind(kind[0])}
	switch rec.Kind {
	case StateRecordGraphics:
		var key [40]byte
		if _, err := io.ReadFull(cr.r, key[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated graphics key", ErrBadStateCache)
		}
		for i := range rec.GraphicsKey {
			rec.GraphicsKey[i] = binary.LittleEndian.Uint64(key[i*8:])
		}
		blob, err := cr.readBlob()
		if err != nil {
			return nil, err
		}
		rec.GraphicsState = new(GraphicsState)
		if err := rec.GraphicsState.UnmarshalBinary(blob); err != nil {
			return nil, err
		}

	case StateRecordCompute:
		var key [8]byte
		if _, err := io.ReadFull(cr.r, key[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated compute key", ErrBadStateCache)
		}
		rec.ComputeKey = binary.LittleEndian.Uint64(key[:])
		blob, err := cr.readBlob()
		if err != nil {
			return nil, err
		}
		rec.ComputeState = new(ComputeState)
		if err := rec.ComputeState.UnmarshalBinary(blob); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown record kind %q", ErrBadStateCache, kind[0])
	}

	return rec, nil
}

// maxStateBlobSize bounds a record's state blob so a corrupt length
// field cannot trigger a huge allocation.
const maxStateBlobSize = 1 << 20

func (cr *StateCacheReader) readBlob() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated blob length", ErrBadStateCache)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxStateBlobSize {
		return nil, fmt.Errorf("%w: oversized blob", ErrBadStateCache)
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(cr.r, blob); err != nil {
		return nil, fmt.Errorf("%w: truncated blob", ErrBadStateCache)
	}
	return blob, nil
}
