package tftp

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// File I/O backend. Reads advise the kernel of sequential access and stream
// large files through a chunk buffer; small files are buffered whole, which
// also gives bit-exact tsize reporting for NETASCII. Writes accumulate into
// a pre-sized buffer and land via temp-file-and-rename.

var errFileTooLarge = errors.New("file exceeds the transfer size limit")

// readSource is the byte stream a read transfer serves, already in wire form
// (NETASCII-expanded when the transfer mode asks for it), with its
// authoritative size.
type readSource struct {
	r    io.Reader
	f    *os.File // nil when fully buffered
	size int64
}

// openReadSource opens path for a read transfer. Files at or below
// streamingThreshold are materialised in memory; larger ones stream
// chunk-by-chunk. maxFileSize of 0 means unlimited.
func openReadSource(path string, netascii bool, streamingThreshold, maxFileSize int64) (*readSource, error) {
	f, err := os.Open(path) // #nosec G304 -- path went through the resolver
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, errors.Wrap(os.ErrNotExist, "is a directory")
	}
	if maxFileSize > 0 && info.Size() > maxFileSize {
		f.Close()
		return nil, errFileTooLarge
	}

	adviseSequential(f)

	if info.Size() <= streamingThreshold {
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if netascii {
			data = expandNetascii(make([]byte, 0, int(expandedSize(data))), data)
		}
		return &readSource{r: bytes.NewReader(data), size: int64(len(data))}, nil
	}

	size := info.Size()
	var r io.Reader = f
	if netascii {
		// the wire size must be exact before the first OACK, so scan once for
		// the expansion count, then stream the conversion
		size, err = scanExpandedSize(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		r = &netasciiReader{src: f}
	}
	return &readSource{r: r, f: f, size: size}, nil
}

func (s *readSource) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *readSource) Close() error {
	if s.f == nil {
		return nil
	}
	adviseDone(s.f)
	return s.f.Close()
}

func scanExpandedSize(f *os.File) (int64, error) {
	var total int64
	buf := make([]byte, netasciiChunk)
	for {
		n, err := f.Read(buf)
		total += expandedSize(buf[:n])
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return total, nil
}

// netasciiReader streams a host file in wire form, keeping memory bounded to
// one conversion chunk regardless of file size.
type netasciiReader struct {
	src     io.Reader
	backlog []byte
	done    bool
}

func (r *netasciiReader) Read(p []byte) (int, error) {
	for len(r.backlog) == 0 && !r.done {
		chunk := make([]byte, netasciiChunk)
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.backlog = expandNetascii(r.backlog, chunk[:n])
		}
		if err == io.EOF {
			r.done = true
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if len(r.backlog) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.backlog)
	r.backlog = r.backlog[n:]
	return n, nil
}

// defaultAccumulator pre-sizes a write destination when the client did not
// negotiate tsize.
const defaultAccumulator = 1 << 20

// writeDest accumulates a write transfer and commits it atomically.
type writeDest struct {
	finalPath string
	netascii  bool
	maxSize   int64

	buf      []byte
	wireLen  int64
	decoder  netasciiDecoder
	finished bool
}

// newWriteDest prepares the accumulator for a write landing at finalPath.
// tsize, when negotiated, pre-sizes the buffer to avoid incremental growth.
func newWriteDest(finalPath string, tsize int64, netascii bool, maxFileSize int64) *writeDest {
	capacity := int64(defaultAccumulator)
	if tsize > 0 {
		capacity = tsize
	}
	if maxFileSize > 0 && capacity > maxFileSize {
		capacity = maxFileSize
	}
	return &writeDest{
		finalPath: finalPath,
		netascii:  netascii,
		maxSize:   maxFileSize,
		buf:       make([]byte, 0, int(capacity)),
	}
}

// appendBlock adds one received DATA payload.
func (w *writeDest) appendBlock(payload []byte) error {
	w.wireLen += int64(len(payload))
	if w.maxSize > 0 && w.wireLen > w.maxSize {
		return errFileTooLarge
	}
	if w.netascii {
		w.buf = w.decoder.decode(w.buf, payload)
		return nil
	}
	w.buf = append(w.buf, payload...)
	return nil
}

// received reports wire bytes accepted so far, for the tsize comparison.
func (w *writeDest) received() int64 { return w.wireLen }

// commit writes the accumulated content to a temporary file beside the
// destination and renames it into place.
func (w *writeDest) commit() error {
	if w.netascii {
		w.buf = w.decoder.flush(w.buf)
	}
	dir := filepath.Dir(w.finalPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(w.finalPath)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(w.buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpName, w.finalPath); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename into place")
	}
	w.finished = true
	return nil
}

// abort discards the accumulated content; nothing has touched the
// destination path until commit, so there is no partial file to remove.
func (w *writeDest) abort() {
	w.buf = nil
}
