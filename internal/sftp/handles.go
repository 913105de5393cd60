package sftp

import (
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// maxHandles bounds the number of simultaneously open handles per channel so
// one client cannot exhaust descriptors for everyone else.
const maxHandles = 1024

var (
	errNoSuchHandle    = errors.New("no such handle")
	errTooManyHandles  = errors.New("too many open handles")
	errWrongHandleKind = errors.New("handle refers to the wrong kind of object")
)

// dirHandle is the one-shot snapshot of a directory taken at OPENDIR. The
// cursor advances with each READDIR batch; once exhausted further reads
// report EOF for the lifetime of the handle.
type dirHandle struct {
	name    string
	entries []os.FileInfo
	cursor  int
}

// handleTable maps opaque wire handles to open files and directory
// snapshots. Each channel's dispatcher owns exactly one table; handles are
// meaningless outside their creating channel.
type handleTable struct {
	mu      sync.Mutex
	counter uint64
	files   map[string]*os.File
	dirs    map[string]*dirHandle
}

func newHandleTable() *handleTable {
	return &handleTable{
		files: make(map[string]*os.File),
		dirs:  make(map[string]*dirHandle),
	}
}

func (t *handleTable) openFile(f *os.File) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.files)+len(t.dirs) >= maxHandles {
		return "", errTooManyHandles
	}
	t.counter++
	handle := strconv.FormatUint(t.counter, 10)
	t.files[handle] = f
	return handle, nil
}

func (t *handleTable) openDir(name string, entries []os.FileInfo) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.files)+len(t.dirs) >= maxHandles {
		return "", errTooManyHandles
	}
	t.counter++
	handle := strconv.FormatUint(t.counter, 10)
	t.dirs[handle] = &dirHandle{name: name, entries: entries}
	return handle, nil
}

func (t *handleTable) file(handle string) (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[handle]; ok {
		return f, nil
	}
	if _, ok := t.dirs[handle]; ok {
		return nil, errWrongHandleKind
	}
	return nil, errNoSuchHandle
}

func (t *handleTable) dir(handle string) (*dirHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.dirs[handle]; ok {
		return d, nil
	}
	if _, ok := t.files[handle]; ok {
		return nil, errWrongHandleKind
	}
	return nil, errNoSuchHandle
}

func (t *handleTable) closeHandle(handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[handle]; ok {
		delete(t.files, handle)
		return f.Close()
	}
	if _, ok := t.dirs[handle]; ok {
		delete(t.dirs, handle)
		return nil
	}
	return errNoSuchHandle
}

// closeAll tears the table down with its channel, closing every descriptor
// regardless of how the session ended.
func (t *handleTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for handle, f := range t.files {
		delete(t.files, handle)
		_ = f.Close()
	}
	for handle := range t.dirs {
		delete(t.dirs, handle)
	}
}

// nextBatch returns up to n entries from the snapshot, advancing the cursor.
// A nil result means the snapshot is exhausted.
func (d *dirHandle) nextBatch(n int) []os.FileInfo {
	if d.cursor >= len(d.entries) {
		return nil
	}
	end := d.cursor + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	batch := d.entries[d.cursor:end]
	d.cursor = end
	return batch
}
