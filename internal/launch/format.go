package launch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Format is the executable format of a launch target.
type Format int

const (
	FormatUnknown Format = iota
	FormatELF
	FormatMachO
	FormatPE
	FormatScript
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "ELF"
	case FormatMachO:
		return "Mach-O"
	case FormatPE:
		return "PE"
	case FormatScript:
		return "script"
	default:
		return "unknown"
	}
}

// DetectFormat identifies an executable from its leading bytes.
func DetectFormat(head []byte) Format {
	switch {
	case bytes.HasPrefix(head, []byte("\x7fELF")):
		return FormatELF
	case bytes.HasPrefix(head, []byte("MZ")):
		return FormatPE
	case bytes.HasPrefix(head, []byte("#!")):
		return FormatScript
	case len(head) >= 4:
		switch binary.BigEndian.Uint32(head) {
		case 0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe, 0xcafebabe:
			// 0xcafebabe is shared with Java class files; a fat Mach-O
			// header is followed by a small architecture count.
			if binary.BigEndian.Uint32(head) == 0xcafebabe && (len(head) < 8 || binary.BigEndian.Uint32(head[4:]) > 30) {
				return FormatUnknown
			}
			return FormatMachO
		}
	}
	return FormatUnknown
}

// Compatible reports whether f runs on goos.
func Compatible(f Format, goos string) bool {
	switch f {
	case FormatELF:
		return goos != "darwin" && goos != "windows"
	case FormatMachO:
		return goos == "darwin" || goos == "ios"
	case FormatPE:
		return goos == "windows"
	case FormatScript:
		return goos != "windows"
	default:
		return false
	}
}

func sniff(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, fmt.Errorf("read header: %w", err)
	}
	return DetectFormat(head[:n]), nil
}
