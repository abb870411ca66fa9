/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"bytes"
	"compress/zlib"
	"testing"
)

// compressForTest frames payload the way the gateway does: a sync flush
// that ends with zlibSuffix and leaves the stream open.
func compressForTest(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("zlib.Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("zlib.Flush: %v", err)
	}
	return buf.Bytes()
}

// compressCompleteForTest produces a complete, closed zlib stream.
func compressCompleteForTest(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("zlib.Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zlib.Close: %v", err)
	}
	return buf.Bytes()
}

func TestZlibReaderWrapperDecompressesWholeMessage(t *testing.T) {
	original := []byte(`{"op":0,"t":"MESSAGE_CREATE","d":{}}`)
	compressed := compressForTest(t, original)

	w := AcquireZlibReader()
	defer ReleaseZlibReader(w)

	got, err := w.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("got %q, want %q", got, original)
	}
}

func TestZlibReaderWrapperAccumulatesFragments(t *testing.T) {
	original := []byte(`{"op":0,"t":"GUILD_CREATE","d":{"id":"123"}}`)
	compressed := compressForTest(t, original)
	if len(compressed) < 4 {
		t.Fatal("compressed payload too short to fragment meaningfully")
	}
	mid := len(compressed) / 2

	w := AcquireZlibReader()
	defer ReleaseZlibReader(w)

	first, err := w.Decompress(compressed[:mid])
	if err != nil {
		t.Fatalf("Decompress (fragment 1): %v", err)
	}
	if first != nil {
		t.Fatalf("expected nil for an incomplete message, got %q", first)
	}

	second, err := w.Decompress(compressed[mid:])
	if err != nil {
		t.Fatalf("Decompress (fragment 2): %v", err)
	}
	if !bytes.Equal(second, original) {
		t.Fatalf("got %q, want %q", second, original)
	}
}

func TestZlibReaderWrapperReusableAfterRelease(t *testing.T) {
	w := AcquireZlibReader()
	first := []byte("first message")
	if _, err := w.Decompress(compressForTest(t, first)); err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	ReleaseZlibReader(w)

	w2 := AcquireZlibReader()
	defer ReleaseZlibReader(w2)
	second := []byte("second message, different session")
	got, err := w2.Decompress(compressForTest(t, second))
	if err != nil {
		t.Fatalf("Decompress after reacquire: %v", err)
	}
	if !bytes.Equal(got, second) {
		t.Fatalf("got %q, want %q (stale state from a pooled reader)", got, second)
	}
}

func TestDecompressOneShot(t *testing.T) {
	original := []byte("a standalone zlib-compressed blob")
	compressed := compressCompleteForTest(t, original)
	got, err := DecompressOneShot(compressed)
	if err != nil {
		t.Fatalf("DecompressOneShot: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("got %q, want %q", got, original)
	}
}

func TestIsZlibCompressed(t *testing.T) {
	compressed := compressForTest(t, []byte("payload"))
	if !IsZlibCompressed(compressed) {
		t.Fatal("expected a real zlib stream to be detected")
	}
	if IsZlibCompressed([]byte(`{"op":0}`)) {
		t.Fatal("expected plain JSON not to be detected as zlib")
	}
	if IsZlibCompressed([]byte{0x78}) {
		t.Fatal("expected a single byte to be rejected (too short for a header)")
	}
}

func TestHasZlibSuffix(t *testing.T) {
	compressed := compressForTest(t, []byte("payload"))
	if !HasZlibSuffix(compressed) {
		t.Fatal("expected a complete zlib stream to end with the flush suffix")
	}
	if HasZlibSuffix(compressed[:len(compressed)-1]) {
		t.Fatal("expected a truncated stream not to report the flush suffix")
	}
}
