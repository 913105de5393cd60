package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandNetascii(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain run", "abcdef", "abcdef"},
		{"lf", "a\nb", "a\r\nb"},
		{"bare cr", "a\rb", "a\r\x00b"},
		{"crlf already", "a\r\nb", "a\r\x00\r\nb"},
		{"trailing lf", "line\n", "line\r\n"},
		{"trailing cr", "line\r", "line\r\x00"},
		{"only breaks", "\n\n\r", "\r\n\r\n\r\x00"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := expandNetascii(nil, []byte(tc.in))
			assert.Equal(t, tc.want, string(got))
			assert.EqualValues(t, len(tc.want), expandedSize([]byte(tc.in)))
		})
	}
}

func TestDecodeInvertsExpand(t *testing.T) {
	inputs := []string{
		"",
		"no breaks at all",
		"unix\nlines\nhere\n",
		"bare\rcarriage\rreturns",
		"mixed\r\n\r bag\n",
	}
	for _, in := range inputs {
		wire := expandNetascii(nil, []byte(in))
		var d netasciiDecoder
		got := d.decode(nil, wire)
		got = d.flush(got)
		assert.Equal(t, in, string(got), "input %q", in)
	}
}

func TestDecodeHandlesCRAtChunkBoundary(t *testing.T) {
	// split the wire stream at every possible point; the decoder must carry
	// a dangling CR across the boundary
	wire := expandNetascii(nil, []byte("a\nb\rc\n"))
	want := "a\nb\rc\n"

	for split := 0; split <= len(wire); split++ {
		var d netasciiDecoder
		got := d.decode(nil, wire[:split])
		got = d.decode(got, wire[split:])
		got = d.flush(got)
		assert.Equal(t, want, string(got), "split at %d", split)
	}
}

func TestDecodeChunkedArbitrarySizes(t *testing.T) {
	in := []byte("line one\nline two\r\nline three\rmore\n")
	wire := expandNetascii(nil, in)

	for _, chunk := range []int{1, 2, 3, 7, 4096} {
		var d netasciiDecoder
		var got []byte
		for i := 0; i < len(wire); i += chunk {
			end := i + chunk
			if end > len(wire) {
				end = len(wire)
			}
			got = d.decode(got, wire[i:end])
		}
		got = d.flush(got)
		assert.Equal(t, string(in), string(got), "chunk size %d", chunk)
	}
}

func TestFlushEmitsDanglingCR(t *testing.T) {
	var d netasciiDecoder
	got := d.decode(nil, []byte{cr})
	assert.Empty(t, got, "classification deferred")
	got = d.flush(got)
	assert.Equal(t, []byte{cr}, got)
}
