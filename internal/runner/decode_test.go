package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bexec "github.com/jmgilman/buildrun/internal/exec"
)

func decodeAll(t *testing.T, d *streamDecoder, chunks ...string) string {
	t.Helper()
	var out string
	for _, c := range chunks {
		text, err := d.Decode([]byte(c))
		require.NoError(t, err)
		out += text
	}
	text, err := d.Flush()
	require.NoError(t, err)
	return out + text
}

func TestResolveEncoding(t *testing.T) {
	tests := []struct {
		name    string
		utf8    bool
		wantErr bool
	}{
		{name: "utf-8", utf8: true},
		{name: "UTF8", utf8: true},
		{name: "windows-1252"},
		{name: "latin1"},
		{name: "shift_jis"},
		{name: "ebcdic-klingon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := resolveEncoding(tt.name)
			if tt.wantErr {
				require.ErrorIs(t, err, bexec.ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.utf8, enc == nil)
		})
	}
}

func TestStreamDecoder_UTF8(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{name: "plain", chunks: []string{"hello\n"}, want: "hello\n"},
		{name: "split rune", chunks: []string{"caf\xc3", "\xa9\n"}, want: "café\n"},
		{name: "split four byte rune", chunks: []string{"\xf0\x9f", "\x98", "\x80"}, want: "😀"},
		{name: "crlf", chunks: []string{"a\r\nb\r\n"}, want: "a\nb\n"},
		{name: "split crlf", chunks: []string{"a\r", "\nb"}, want: "a\nb"},
		{name: "lone cr", chunks: []string{"50%\r100%\r"}, want: "50%\n100%\n"},
		{name: "empty chunk", chunks: []string{"", "x"}, want: "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeAll(t, newStreamDecoder(nil), tt.chunks...))
		})
	}
}

func TestStreamDecoder_InvalidUTF8(t *testing.T) {
	d := newStreamDecoder(nil)

	_, err := d.Decode([]byte("\xff\xfe"))
	require.ErrorIs(t, err, errDecode)

	text, err := d.Decode([]byte("ok\n"))
	require.NoError(t, err)
	assert.Equal(t, "ok\n", text)
}

func TestStreamDecoder_TruncatedAtEOF(t *testing.T) {
	d := newStreamDecoder(nil)

	text, err := d.Decode([]byte("ab\xc3"))
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	_, err = d.Flush()
	assert.ErrorIs(t, err, errDecode)
}

func TestStreamDecoder_Legacy(t *testing.T) {
	t.Run("windows-1252", func(t *testing.T) {
		enc, err := resolveEncoding("windows-1252")
		require.NoError(t, err)
		assert.Equal(t, "café\n", decodeAll(t, newStreamDecoder(enc), "caf\xe9\r\n"))
	})

	t.Run("shift_jis split", func(t *testing.T) {
		enc, err := resolveEncoding("shift_jis")
		require.NoError(t, err)
		// "日本" is 93 fa 96 7b.
		assert.Equal(t, "日本", decodeAll(t, newStreamDecoder(enc), "\x93", "\xfa\x96", "\x7b"))
	})
}

func TestIncompleteTail(t *testing.T) {
	assert.Equal(t, 3, incompleteTail([]byte("abc")))
	assert.Equal(t, 2, incompleteTail([]byte("ab\xe2\x82")))
	assert.Equal(t, 5, incompleteTail([]byte("ab\xe2\x82\xac")))
	assert.Equal(t, 0, incompleteTail([]byte{}))
}

func TestDecodeErrorText(t *testing.T) {
	assert.Equal(t, "[Decode error - output not cp1252]\n", decodeErrorText("cp1252"))
}
