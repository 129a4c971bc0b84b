package patch

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	magic      = "BSDIFF40"
	headerSize = 32
)

// MaxOutputSize caps the new size a header may declare. Larger values are
// treated as corrupt rather than allocated.
var MaxOutputSize int64 = 4 << 30

type header struct {
	ctrlLen int64
	diffLen int64
	newSize int64
}

// offtin decodes an 8-byte sign-magnitude little-endian integer.
func offtin(b []byte) int64 {
	y := int64(binary.LittleEndian.Uint64(b) &^ (1 << 63))
	if b[7]&0x80 != 0 {
		y = -y
	}
	return y
}

// offtout encodes x as an 8-byte sign-magnitude little-endian integer.
func offtout(x int64, b []byte) {
	neg := x < 0
	if neg {
		x = -x
	}
	binary.LittleEndian.PutUint64(b, uint64(x))
	if neg {
		b[7] |= 0x80
	}
}

func parseHeader(p []byte) (header, error) {
	if len(p) < headerSize {
		return header{}, corrupt(fmt.Sprintf("patch is %d bytes, shorter than header", len(p)), nil)
	}
	if string(p[:8]) != magic {
		return header{}, corrupt(fmt.Sprintf("bad magic %q", p[:8]), nil)
	}

	h := header{
		ctrlLen: offtin(p[8:16]),
		diffLen: offtin(p[16:24]),
		newSize: offtin(p[24:32]),
	}
	if h.ctrlLen < 0 || h.diffLen < 0 || h.newSize < 0 {
		return header{}, corrupt("negative length in header", nil)
	}
	if h.newSize > MaxOutputSize {
		return header{}, corrupt(fmt.Sprintf("declared size %d exceeds limit", h.newSize), nil)
	}
	body := int64(len(p) - headerSize)
	if h.ctrlLen > body || h.diffLen > body-h.ctrlLen {
		return header{}, corrupt("block lengths exceed patch size", nil)
	}
	return h, nil
}

// openBlock returns a decompressing reader for one block, detecting the
// compression from its leading bytes.
func openBlock(name string, b []byte) (io.Reader, error) {
	switch {
	case len(b) == 0:
		return bytes.NewReader(nil), nil
	case len(b) >= 3 && b[0] == 'B' && b[1] == 'Z' && b[2] == 'h':
		return bzip2.NewReader(bytes.NewReader(b)), nil
	case len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b:
		zr, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, corrupt(name+" block", err)
		}
		return zr, nil
	default:
		return nil, corrupt(fmt.Sprintf("%s block: unknown compression", name), nil)
	}
}

func readFull(name string, r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return corrupt(name+" stream truncated", err)
		}
		return corrupt(name+" stream", err)
	}
	return nil
}

// Apply reconstructs the new payload from old and a BSDIFF40 patch.
// The result is byte-exact and deterministic for a given (old, patch).
func Apply(old, patch []byte) ([]byte, error) {
	h, err := parseHeader(patch)
	if err != nil {
		return nil, err
	}

	ctrlStart := int64(headerSize)
	diffStart := ctrlStart + h.ctrlLen
	extraStart := diffStart + h.diffLen

	ctrl, err := openBlock("control", patch[ctrlStart:diffStart])
	if err != nil {
		return nil, err
	}
	diff, err := openBlock("diff", patch[diffStart:extraStart])
	if err != nil {
		return nil, err
	}
	extra, err := openBlock("extra", patch[extraStart:])
	if err != nil {
		return nil, err
	}

	oldSize := int64(len(old))
	out := make([]byte, h.newSize)
	var buf [24]byte
	var oldPos, newPos int64

	for newPos < h.newSize {
		if err := readFull("control", ctrl, buf[:]); err != nil {
			return nil, err
		}
		add := offtin(buf[0:8])
		insert := offtin(buf[8:16])
		seek := offtin(buf[16:24])

		if add < 0 || insert < 0 {
			return nil, corrupt(fmt.Sprintf("negative control length at output offset %d", newPos), nil)
		}
		if add > h.newSize-newPos {
			return nil, corrupt(fmt.Sprintf("add of %d bytes overruns output at offset %d", add, newPos), nil)
		}

		seg := out[newPos : newPos+add]
		if err := readFull("diff", diff, seg); err != nil {
			return nil, err
		}
		for i := int64(0); i < add; i++ {
			if p := oldPos + i; p >= 0 && p < oldSize {
				seg[i] += old[p]
			}
		}
		newPos += add
		oldPos += add

		if insert > h.newSize-newPos {
			return nil, corrupt(fmt.Sprintf("insert of %d bytes overruns output at offset %d", insert, newPos), nil)
		}
		if err := readFull("extra", extra, out[newPos:newPos+insert]); err != nil {
			return nil, err
		}
		newPos += insert
		oldPos += seek
	}

	return out, nil
}

// Header reports the declared output size of a patch without applying it.
func Header(patch []byte) (newSize int64, err error) {
	h, err := parseHeader(patch)
	if err != nil {
		return 0, err
	}
	return h.newSize, nil
}
