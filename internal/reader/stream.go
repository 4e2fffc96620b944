package reader

// stream.go wraps raw extract files before CSV parsing:
//
//   - a leading UTF-8 byte order mark is dropped from the raw bytes
//   - legacy code pages are decoded to UTF-8 (golang.org/x/text)
//   - invalid UTF-8 bytes are replaced with '?'
//   - bytes consumed are counted for progress reporting

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// lookupEncoding resolves an encoding label. Empty and UTF-8 labels return nil.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	case "iso-8859-1", "latin1", "latin-1":
		return charmap.ISO8859_1, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// stream is the decoded view of an extract file.
type stream struct {
	io.Reader
	raw *countingReader
}

// wrapStream applies BOM stripping, decoding and sanitising in that order.
// The BOM goes first so a legacy decoder never sees it.
func wrapStream(r io.Reader, enc encoding.Encoding) *stream {
	raw := &countingReader{r: r}
	var src io.Reader = newBOMSkipper(raw)
	if enc != nil {
		src = transform.NewReader(src, enc.NewDecoder())
	}
	return &stream{Reader: newSanitizer(src), raw: raw}
}

// BytesRead reports how many raw file bytes have been consumed.
func (s *stream) BytesRead() int64 {
	return s.raw.n
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// bomSkipper drops a UTF-8 BOM from the start of the stream.
type bomSkipper struct {
	r       io.Reader
	checked bool
	head    []byte
}

func newBOMSkipper(r io.Reader) *bomSkipper {
	return &bomSkipper{r: r}
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		buf := make([]byte, len(utf8BOM))
		n, err := io.ReadFull(b.r, buf)
		if n < len(utf8BOM) || string(buf) != string(utf8BOM) {
			b.head = buf[:n]
		}
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return 0, err
		}
		if err != nil && len(b.head) == 0 {
			return 0, io.EOF
		}
	}

	if len(b.head) > 0 {
		n := copy(p, b.head)
		b.head = b.head[n:]
		return n, nil
	}
	return b.r.Read(p)
}

// sanitizer replaces bytes that are not valid UTF-8 with '?'. Multi-byte
// sequences split across reads are carried over to the next call.
type sanitizer struct {
	r     io.Reader
	carry []byte
}

func newSanitizer(r io.Reader) *sanitizer {
	return &sanitizer{r: r, carry: make([]byte, 0, utf8.UTFMax)}
}

func (s *sanitizer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	off := copy(p, s.carry)
	s.carry = append(s.carry[:0], s.carry[off:]...)
	if len(s.carry) > 0 {
		return off, nil
	}

	n, err := s.r.Read(p[off:])
	n += off
	if n == 0 {
		return 0, err
	}

	data := p[:n]
	if asciiOnly(data) {
		return n, err
	}
	return s.clean(data, err == io.EOF), err
}

func asciiOnly(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// clean rewrites data in place and returns the number of bytes to deliver.
func (s *sanitizer) clean(data []byte, atEOF bool) int {
	w := 0
	for i := 0; i < len(data); {
		if !atEOF && !utf8.FullRune(data[i:]) {
			s.carry = append(s.carry, data[i:]...)
			return w
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			data[w] = '?'
			w++
			i++
			continue
		}
		copy(data[w:], data[i:i+size])
		w += size
		i += size
	}
	return w
}
