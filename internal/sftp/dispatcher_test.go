package sftp

import (
	"encoding"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-insights/xferd/internal/rootfs"
)

// testClient drives a dispatcher over an in-memory pipe the way an SSH
// channel would.
type testClient struct {
	t    *testing.T
	conn net.Conn
	done chan error
}

func startDispatcher(t *testing.T, root string) *testClient {
	t.Helper()
	resolver, err := rootfs.New(root)
	require.NoError(t, err)

	// loopback TCP rather than net.Pipe: the kernel buffers writes, so tests
	// can pipeline several requests before draining responses
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)

	d := NewDispatcher(server, resolver, "test-session", client.LocalAddr().String())
	done := make(chan error, 1)
	go func() { done <- d.Serve() }()

	tc := &testClient{t: t, conn: client, done: done}
	t.Cleanup(func() {
		client.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not exit")
		}
	})

	// handshake
	tc.send(&fxpInitPkt{Version: ProtocolVersion})
	typ, body := tc.recv()
	require.Equal(t, fxp(fxpVersion), typ)
	var ver fxpVersionPkt
	require.NoError(t, ver.UnmarshalBinary(body))
	require.EqualValues(t, ProtocolVersion, ver.Version)
	return tc
}

func (c *testClient) send(pkt encoding.BinaryMarshaler) {
	c.t.Helper()
	b, err := pkt.MarshalBinary()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err = c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) recv() (fxp, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lb [4]byte
	_, err := io.ReadFull(c.conn, lb[:])
	require.NoError(c.t, err)
	b := make([]byte, binary.BigEndian.Uint32(lb[:]))
	_, err = io.ReadFull(c.conn, b)
	require.NoError(c.t, err)
	return fxp(b[0]), b[1:]
}

func (c *testClient) recvStatus() *fxpStatusPkt {
	c.t.Helper()
	typ, body := c.recv()
	require.Equal(c.t, fxp(fxpStatus), typ)
	var st fxpStatusPkt
	require.NoError(c.t, st.UnmarshalBinary(body))
	return &st
}

func (c *testClient) recvHandle() *fxpHandlePkt {
	c.t.Helper()
	typ, body := c.recv()
	require.Equal(c.t, fxp(fxpHandle), typ)
	var h fxpHandlePkt
	require.NoError(c.t, h.UnmarshalBinary(body))
	return &h
}

func TestDispatcherOpenWriteReadClose(t *testing.T) {
	root := t.TempDir()
	c := startDispatcher(t, root)

	c.send(&fxpOpenPkt{ID: 1, Path: "/hello.txt", PFlags: PFlagWrite | PFlagCreate, Attr: &FileAttr{}})
	h := c.recvHandle()
	assert.EqualValues(t, 1, h.ID)

	c.send(&fxpWritePkt{ID: 2, Handle: h.Handle, Offset: 0, Data: []byte("Hello, SFTP!")})
	st := c.recvStatus()
	assert.EqualValues(t, 2, st.ID)
	assert.EqualValues(t, fxOK, st.Code)

	c.send(&fxpClosePkt{ID: 3, Handle: h.Handle})
	st = c.recvStatus()
	assert.EqualValues(t, 3, st.ID)
	assert.EqualValues(t, fxOK, st.Code)

	// reopen for read
	c.send(&fxpOpenPkt{ID: 4, Path: "hello.txt", PFlags: PFlagRead, Attr: &FileAttr{}})
	h = c.recvHandle()

	c.send(&fxpReadPkt{ID: 5, Handle: h.Handle, Offset: 0, Len: 1024})
	typ, body := c.recv()
	require.Equal(t, fxp(fxpData), typ)
	var data fxpDataPkt
	require.NoError(t, data.UnmarshalBinary(body))
	assert.EqualValues(t, 5, data.ID)
	assert.Equal(t, "Hello, SFTP!", string(data.Data))

	// read past EOF
	c.send(&fxpReadPkt{ID: 6, Handle: h.Handle, Offset: 1 << 20, Len: 1024})
	st = c.recvStatus()
	assert.EqualValues(t, fxEOF, st.Code)

	c.send(&fxpClosePkt{ID: 7, Handle: h.Handle})
	assert.EqualValues(t, fxOK, c.recvStatus().Code)

	// closing again reports failure for the unknown handle
	c.send(&fxpClosePkt{ID: 8, Handle: h.Handle})
	assert.EqualValues(t, fxFailure, c.recvStatus().Code)

	got, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Hello, SFTP!", string(got))
}

func TestDispatcherTraversalDenied(t *testing.T) {
	c := startDispatcher(t, t.TempDir())

	c.send(&fxpOpenPkt{ID: 21, Path: "../../../etc/passwd", PFlags: PFlagRead, Attr: &FileAttr{}})
	st := c.recvStatus()
	assert.EqualValues(t, 21, st.ID)
	assert.EqualValues(t, fxPermissionDenied, st.Code)
}

func TestDispatcherReadDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "one.txt"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "two.txt"), []byte("22"), 0o644))
	c := startDispatcher(t, root)

	c.send(&fxpOpendirPkt{ID: 31, Path: "/sub"})
	h := c.recvHandle()

	c.send(&fxpReaddirPkt{ID: 32, Handle: h.Handle})
	typ, body := c.recv()
	require.Equal(t, fxp(fxpName), typ)
	var names fxpNamePkt
	require.NoError(t, names.UnmarshalBinary(body))
	assert.EqualValues(t, 32, names.ID)
	require.Len(t, names.Items, 2)
	got := []string{names.Items[0].Name, names.Items[1].Name}
	assert.ElementsMatch(t, []string{"one.txt", "two.txt"}, got)
	for _, item := range names.Items {
		assert.NotEmpty(t, item.LongName)
		assert.NotNil(t, item.Attr)
	}

	// snapshot exhausted
	c.send(&fxpReaddirPkt{ID: 33, Handle: h.Handle})
	st := c.recvStatus()
	assert.EqualValues(t, 33, st.ID)
	assert.EqualValues(t, fxEOF, st.Code)

	c.send(&fxpClosePkt{ID: 34, Handle: h.Handle})
	assert.EqualValues(t, fxOK, c.recvStatus().Code)
}

func TestDispatcherStatAndRealpath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), make([]byte, 512), 0o640))
	c := startDispatcher(t, root)

	c.send(&fxpStatPkt{ID: 41, Path: "f.bin"})
	typ, body := c.recv()
	require.Equal(t, fxp(fxpAttrs), typ)
	var attrs fxpAttrPkt
	require.NoError(t, attrs.UnmarshalBinary(body))
	assert.EqualValues(t, 41, attrs.ID)
	assert.EqualValues(t, 512, attrs.Attr.Size)

	c.send(&fxpStatPkt{ID: 42, Path: "missing.bin"})
	assert.EqualValues(t, fxNoSuchFile, c.recvStatus().Code)

	c.send(&fxpRealpathPkt{ID: 43, Path: "a/b/../c"})
	typ, body = c.recv()
	require.Equal(t, fxp(fxpName), typ)
	var name fxpNamePkt
	require.NoError(t, name.UnmarshalBinary(body))
	require.Len(t, name.Items, 1)
	assert.Equal(t, "/a/c", name.Items[0].Name)
}

func TestDispatcherDirectoryOps(t *testing.T) {
	root := t.TempDir()
	c := startDispatcher(t, root)

	c.send(&fxpMkdirPkt{ID: 51, Path: "/made", Attr: &FileAttr{}})
	assert.EqualValues(t, fxOK, c.recvStatus().Code)
	info, err := os.Stat(filepath.Join(root, "made"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	c.send(&fxpRenamePkt{ID: 52, OldPath: "/made", NewPath: "/moved"})
	assert.EqualValues(t, fxOK, c.recvStatus().Code)

	c.send(&fxpRmdirPkt{ID: 53, Path: "/moved"})
	assert.EqualValues(t, fxOK, c.recvStatus().Code)

	_, err = os.Stat(filepath.Join(root, "moved"))
	assert.True(t, os.IsNotExist(err))
}

func TestDispatcherRemoveRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "d"), 0o755))
	c := startDispatcher(t, root)

	c.send(&fxpRemovePkt{ID: 61, Path: "/d"})
	assert.EqualValues(t, fxFailure, c.recvStatus().Code)
}

func TestDispatcherUnsupportedOps(t *testing.T) {
	c := startDispatcher(t, t.TempDir())

	c.send(&fxpSetstatPkt{ID: 71, Path: "/x", Attr: &FileAttr{}})
	st := c.recvStatus()
	assert.EqualValues(t, 71, st.ID)
	assert.EqualValues(t, fxOpUnsupported, st.Code)

	c.send(&fxpSymlinkPkt{ID: 72, TargetPath: "/a", LinkPath: "/b"})
	assert.EqualValues(t, fxOpUnsupported, c.recvStatus().Code)

	c.send(&fxpReadlinkPkt{ID: 73, Path: "/a"})
	assert.EqualValues(t, fxOpUnsupported, c.recvStatus().Code)
}

func TestDispatcherResponsesFollowRequestOrder(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "z"), []byte("z"), 0o644))
	c := startDispatcher(t, root)

	ids := []uint32{101, 102, 103, 104, 105}
	for _, id := range ids {
		c.send(&fxpStatPkt{ID: id, Path: "/z"})
	}
	for _, id := range ids {
		typ, body := c.recv()
		require.Equal(t, fxp(fxpAttrs), typ)
		var attrs fxpAttrPkt
		require.NoError(t, attrs.UnmarshalBinary(body))
		assert.Equal(t, id, attrs.ID, "responses must come back in receive order")
	}
}

func TestDispatcherMalformedPacketGetsBadMessage(t *testing.T) {
	c := startDispatcher(t, t.TempDir())

	// hand-frame an OPEN packet whose path length lies about the body size
	body := appendU32(nil, 81)                // request id
	body = appendU32(body, 500)               // path length far past the end
	raw := appendU32(nil, uint32(len(body)+1) /* + type byte */)
	raw = append(raw, fxpOpen)
	raw = append(raw, body...)
	_, err := c.conn.Write(raw)
	require.NoError(t, err)

	st := c.recvStatus()
	assert.EqualValues(t, fxBadMessage, st.Code)
}

func TestDispatcherNullByteInPath(t *testing.T) {
	c := startDispatcher(t, t.TempDir())

	c.send(&fxpStatPkt{ID: 91, Path: "bad\x00name"})
	st := c.recvStatus()
	assert.EqualValues(t, 91, st.ID)
	assert.EqualValues(t, fxBadMessage, st.Code)
}
