package tftp

// NETASCII conversion, RFC 764 line discipline: every line break on the wire
// is CR LF, and a bare CR is escaped as CR NUL. Conversion runs in chunks;
// runs without CR or LF are copied in bulk.

const (
	cr = '\r'
	lf = '\n'
)

// netasciiChunk is the unit the converters process at a time.
const netasciiChunk = 4096

// expandNetascii converts host bytes to wire form, appending to dst:
// LF becomes CR LF, a bare CR becomes CR NUL. Expansion is stateless; no
// byte's conversion depends on its neighbours.
func expandNetascii(dst, src []byte) []byte {
	start := 0
	for i, c := range src {
		if c != cr && c != lf {
			continue
		}
		dst = append(dst, src[start:i]...)
		if c == lf {
			dst = append(dst, cr, lf)
		} else {
			dst = append(dst, cr, 0)
		}
		start = i + 1
	}
	return append(dst, src[start:]...)
}

// expandedSize reports how many wire bytes src expands to, without
// materialising the conversion.
func expandedSize(src []byte) int64 {
	n := int64(len(src))
	for _, c := range src {
		if c == cr || c == lf {
			n++
		}
	}
	return n
}

// netasciiDecoder converts wire bytes back to host form: CR LF collapses to
// LF and CR NUL to CR. A CR on a chunk boundary cannot be classified until
// the next byte arrives, so it is carried over between calls.
type netasciiDecoder struct {
	pendingCR bool
}

// decode appends the host form of src to dst.
func (d *netasciiDecoder) decode(dst, src []byte) []byte {
	for _, c := range src {
		if d.pendingCR {
			d.pendingCR = false
			switch c {
			case lf:
				dst = append(dst, lf)
			case 0:
				dst = append(dst, cr)
			default:
				// bare CR not followed by LF/NUL is technically malformed;
				// keep it and reconsider the current byte
				dst = append(dst, cr)
				if c == cr {
					d.pendingCR = true
					continue
				}
				dst = append(dst, c)
			}
			continue
		}
		if c == cr {
			d.pendingCR = true
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

// flush emits a trailing CR left dangling at end of stream.
func (d *netasciiDecoder) flush(dst []byte) []byte {
	if d.pendingCR {
		d.pendingCR = false
		dst = append(dst, cr)
	}
	return dst
}
