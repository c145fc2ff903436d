// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestStateCacheRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewStateCache(&buf)

	gKey := GraphicsKey{1, 0, 0, 0, 2}
	gState := testGraphicsState()
	c.WriteGraphics(gKey, gState)

	cState := ComputeState{SpecConstantMask: 1}
	cState.SpecConstants[0] = 64
	c.WriteCompute(42, &cState)

	r := NewStateCacheReader(&buf)

	rec, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Kind != StateRecordGraphics {
		t.Fatalf("first record kind = %c, want G", rec.Kind)
	}
	if rec.GraphicsKey != gKey {
		t.Errorf("graphics key = %v, want %v", rec.GraphicsKey, gKey)
	}
	if !rec.GraphicsState.Eq(gState) {
		t.Error("decoded graphics state differs from written state")
	}

	rec, err = r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if rec.Kind != StateRecordCompute {
		t.Fatalf("second record kind = %c, want C", rec.Kind)
	}
	if rec.ComputeKey != 42 {
		t.Errorf("compute key = %d, want 42", rec.ComputeKey)
	}
	if !rec.ComputeState.Eq(&cState) {
		t.Error("decoded compute state differs from written state")
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestStateCacheReaderEmptyStream(t *testing.T) {
	r := NewStateCacheReader(bytes.NewReader(nil))
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next on empty stream = %v, want io.EOF", err)
	}
}

func TestStateCacheReaderBadMagic(t *testing.T) {
	r := NewStateCacheReader(bytes.NewReader([]byte("XXXXYYYYrest of stream")))
	if _, err := r.Next(); !errors.Is(err, ErrBadStateCache) {
		t.Errorf("Next with bad magic = %v, want ErrBadStateCache", err)
	}
}

func TestStateCacheReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	c := NewStateCache(&buf)
	c.WriteGraphics(GraphicsKey{1}, DefaultGraphicsState())

	data := buf.Bytes()
	r := NewStateCacheReader(bytes.NewReader(data[:len(data)-3]))
	if _, err := r.Next(); !errors.Is(err, ErrBadStateCache) {
		t.Errorf("Next on truncated record = %v, want ErrBadStateCache", err)
	}
}

// failWriter fails every write after the first n bytes.
type failWriter struct{ budget int }

var errDiskFull = errors.New("disk full")

func (w *failWriter) Write(p []byte) (int, error) {
	if w.budget <= 0 {
		return 0, errDiskFull
	}
	w.budget -= len(p)
	return len(p), nil
}

func TestStateCacheWriteFailureNonFatal(t *testing.T) {
	c := NewStateCache(&failWriter{budget: 0})

	// Both writes fail internally; neither may panic or error out to
	// the caller.
	c.WriteGraphics(GraphicsKey{1}, DefaultGraphicsState())
	c.WriteCompute(1, &ComputeState{})
}
