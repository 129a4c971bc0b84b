package patch

import (
	"bytes"
	"fmt"

	"github.com/dsnet/compress/bzip2"
)

// Diff computes a BSDIFF40 patch turning old into new. Blocks are bzip2
// compressed. Apply(old, Diff(old, new)) reproduces new exactly.
func Diff(old, new []byte) ([]byte, error) {
	I := suffixArray(old)

	var ctrl, diffBuf, extra bytes.Buffer
	var buf [24]byte

	oldSize, newSize := len(old), len(new)
	var scan, pos, length int
	var lastScan, lastPos, lastOffset int

	for scan < newSize {
		oldScore := 0
		scan += length
		for scsc := scan; scan < newSize; scan++ {
			length, pos = search(I, old, new[scan:], 0, oldSize)

			for ; scsc < scan+length; scsc++ {
				if scsc+lastOffset < oldSize && old[scsc+lastOffset] == new[scsc] {
					oldScore++
				}
			}

			if (length == oldScore && length != 0) || length > oldScore+8 {
				break
			}

			if scan+lastOffset < oldSize && old[scan+lastOffset] == new[scan] {
				oldScore--
			}
		}

		if length == oldScore && scan != newSize {
			continue
		}

		// Extend the previous match forwards.
		s, sf, lenf := 0, 0, 0
		for i := 0; lastScan+i < scan && lastPos+i < oldSize; {
			if old[lastPos+i] == new[lastScan+i] {
				s++
			}
			i++
			if s*2-i > sf*2-lenf {
				sf = s
				lenf = i
			}
		}

		// Extend the current match backwards.
		lenb := 0
		if scan < newSize {
			s, sb := 0, 0
			for i := 1; scan >= lastScan+i && pos >= i; i++ {
				if old[pos-i] == new[scan-i] {
					s++
				}
				if s*2-i > sb*2-lenb {
					sb = s
					lenb = i
				}
			}
		}

		// Resolve overlap between the two extensions.
		if lastScan+lenf > scan-lenb {
			overlap := (lastScan + lenf) - (scan - lenb)
			s, ss, lens := 0, 0, 0
			for i := 0; i < overlap; i++ {
				if new[lastScan+lenf-overlap+i] == old[lastPos+lenf-overlap+i] {
					s++
				}
				if new[scan-lenb+i] == old[pos-lenb+i] {
					s--
				}
				if s > ss {
					ss = s
					lens = i + 1
				}
			}
			lenf += lens - overlap
			lenb -= lens
		}

		for i := 0; i < lenf; i++ {
			diffBuf.WriteByte(new[lastScan+i] - old[lastPos+i])
		}
		insert := (scan - lenb) - (lastScan + lenf)
		extra.Write(new[lastScan+lenf : lastScan+lenf+insert])

		offtout(int64(lenf), buf[0:8])
		offtout(int64(insert), buf[8:16])
		offtout(int64((pos-lenb)-(lastPos+lenf)), buf[16:24])
		ctrl.Write(buf[:])

		lastScan = scan - lenb
		lastPos = pos - lenb
		lastOffset = pos - scan
	}

	ctrlZ, err := compress(ctrl.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress control block: %w", err)
	}
	diffZ, err := compress(diffBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress diff block: %w", err)
	}
	extraZ, err := compress(extra.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress extra block: %w", err)
	}

	out := make([]byte, headerSize, headerSize+len(ctrlZ)+len(diffZ)+len(extraZ))
	copy(out, magic)
	offtout(int64(len(ctrlZ)), out[8:16])
	offtout(int64(len(diffZ)), out[16:24])
	offtout(int64(newSize), out[24:32])
	out = append(out, ctrlZ...)
	out = append(out, diffZ...)
	out = append(out, extraZ...)
	return out, nil
}

func compress(b []byte) ([]byte, error) {
	var out bytes.Buffer
	zw, err := bzip2.NewWriter(&out, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func matchLen(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// search finds the longest prefix of target present in old using the
// suffix array I, returning its length and position in old.
func search(I []int, old, target []byte, st, en int) (length, pos int) {
	for en-st >= 2 {
		x := st + (en-st)/2
		n := min(len(old)-I[x], len(target))
		if bytes.Compare(old[I[x]:I[x]+n], target[:n]) < 0 {
			st = x
		} else {
			en = x
		}
	}

	x := matchLen(old[I[st]:], target)
	y := matchLen(old[I[en]:], target)
	if x > y {
		return x, I[st]
	}
	return y, I[en]
}

// suffixArray builds the suffix array of old (including the empty suffix)
// with Larsson and Sadakane's qsufsort.
func suffixArray(old []byte) []int {
	n := len(old)
	I := make([]int, n+1)
	V := make([]int, n+1)

	var buckets [256]int
	for _, c := range old {
		buckets[c]++
	}
	for i := 1; i < 256; i++ {
		buckets[i] += buckets[i-1]
	}
	for i := 255; i > 0; i-- {
		buckets[i] = buckets[i-1]
	}
	buckets[0] = 0

	for i, c := range old {
		buckets[c]++
		I[buckets[c]] = i
	}
	I[0] = n
	for i, c := range old {
		V[i] = buckets[c]
	}
	V[n] = 0
	for i := 1; i < 256; i++ {
		if buckets[i] == buckets[i-1]+1 {
			I[buckets[i]] = -1
		}
	}
	I[0] = -1

	for h := 1; I[0] != -(n + 1); h += h {
		length := 0
		i := 0
		for i < n+1 {
			if I[i] < 0 {
				length -= I[i]
				i -= I[i]
			} else {
				if length != 0 {
					I[i-length] = -length
				}
				length = V[I[i]] + 1 - i
				split(I, V, i, length, h)
				i += length
				length = 0
			}
		}
		if length != 0 {
			I[i-length] = -length
		}
	}

	for i := 0; i < n+1; i++ {
		I[V[i]] = i
	}
	return I
}

func split(I, V []int, start, length, h int) {
	if length < 16 {
		for k := start; k < start+length; {
			j := 1
			x := V[I[k]+h]
			for i := 1; k+i < start+length; i++ {
				if V[I[k+i]+h] < x {
					x = V[I[k+i]+h]
					j = 0
				}
				if V[I[k+i]+h] == x {
					I[k+j], I[k+i] = I[k+i], I[k+j]
					j++
				}
			}
			for i := 0; i < j; i++ {
				V[I[k+i]] = k + j - 1
			}
			if j == 1 {
				I[k] = -1
			}
			k += j
		}
		return
	}

	x := V[I[start+length/2]+h]
	jj, kk := 0, 0
	for i := start; i < start+length; i++ {
		if V[I[i]+h] < x {
			jj++
		}
		if V[I[i]+h] == x {
			kk++
		}
	}
	jj += start
	kk += jj

	i, j, k := start, 0, 0
	for i < jj {
		switch {
		case V[I[i]+h] < x:
			i++
		case V[I[i]+h] == x:
			I[i], I[jj+j] = I[jj+j], I[i]
			j++
		default:
			I[i], I[kk+k] = I[kk+k], I[i]
			k++
		}
	}
	for jj+j < kk {
		if V[I[jj+j]+h] == x {
			j++
		} else {
			I[jj+j], I[kk+k] = I[kk+k], I[jj+j]
			k++
		}
	}

	if jj > start {
		split(I, V, start, jj-start, h)
	}
	for i := 0; i < kk-jj; i++ {
		V[I[jj+i]] = kk - 1
	}
	if jj == kk-1 {
		I[jj] = -1
	}
	if start+length > kk {
		split(I, V, kk, start+length-kk, h)
	}
}
