package runner

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	bexec "github.com/jmgilman/buildrun/internal/exec"
)

const defaultEncoding = "utf-8"

var errDecode = errors.New("decode error")

// resolveEncoding validates name against the WHATWG encoding labels. A nil
// encoding means strict UTF-8.
func resolveEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown encoding %q", bexec.ErrConfiguration, name)
	}
	if canonical, _ := htmlindex.Name(enc); canonical == "utf-8" {
		return nil, nil
	}
	return enc, nil
}

// streamDecoder turns one output stream into normalized UTF-8 text. Bytes
// of a character split across chunks are held until the next chunk, and so
// is a trailing carriage return so that a CRLF pair split across chunks
// still yields a single newline.
type streamDecoder struct {
	dec       *encoding.Decoder
	pending   []byte
	pendingCR bool
}

func newStreamDecoder(enc encoding.Encoding) *streamDecoder {
	d := &streamDecoder{}
	if enc != nil {
		d.dec = enc.NewDecoder()
	}
	return d
}

// Decode converts chunk. On failure the chunk is discarded and errDecode is
// returned; the decoder stays usable for the next chunk.
func (d *streamDecoder) Decode(chunk []byte) (string, error) {
	src := append(d.pending, chunk...)
	d.pending = nil

	text, err := d.decode(src, false)
	if err != nil {
		return "", err
	}
	return d.normalize(text, false), nil
}

// Flush returns whatever was held back at end of stream.
func (d *streamDecoder) Flush() (string, error) {
	src := d.pending
	d.pending = nil

	var text string
	if len(src) > 0 {
		var err error
		if text, err = d.decode(src, true); err != nil {
			d.pendingCR = false
			return "", err
		}
	}
	return d.normalize(text, true), nil
}

func (d *streamDecoder) decode(src []byte, atEOF bool) (string, error) {
	if d.dec == nil {
		return d.decodeUTF8(src, atEOF)
	}

	out, rest, err := transformChunk(d.dec, src, atEOF)
	if err != nil {
		d.dec.Reset()
		return "", errDecode
	}
	d.pending = rest
	if !utf8.Valid(out) {
		return "", errDecode
	}
	return string(out), nil
}

func (d *streamDecoder) decodeUTF8(src []byte, atEOF bool) (string, error) {
	cut := len(src)
	if !atEOF {
		cut = incompleteTail(src)
		d.pending = bytes.Clone(src[cut:])
	}
	if !utf8.Valid(src[:cut]) {
		d.pending = nil
		return "", errDecode
	}
	return string(src[:cut]), nil
}

// incompleteTail returns the index where a trailing, possibly incomplete,
// UTF-8 sequence starts, or len(b) if b ends on a character boundary.
func incompleteTail(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// transformChunk runs t over src and returns the output plus any source
// bytes the transformer needs more input to finish.
func transformChunk(t transform.Transformer, src []byte, atEOF bool) (out, rest []byte, err error) {
	dst := make([]byte, 2*len(src)+utf8.UTFMax)
	for {
		nDst, nSrc, err := t.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]

		switch {
		case err == nil:
			return out, nil, nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				dst = make([]byte, 2*len(dst))
			}
		case errors.Is(err, transform.ErrShortSrc) && !atEOF:
			return out, bytes.Clone(src), nil
		default:
			return nil, nil, err
		}
	}
}

// normalize converts CRLF and lone CR to LF.
func (d *streamDecoder) normalize(s string, final bool) string {
	if d.pendingCR {
		s = "\r" + s
		d.pendingCR = false
	}
	if !final && strings.HasSuffix(s, "\r") {
		s = s[:len(s)-1]
		d.pendingCR = true
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func decodeErrorText(encoding string) string {
	return "[Decode error - output not " + encoding + "]\n"
}
