package tftp

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-insights/xferd/internal/config"
	"github.com/tera-insights/xferd/internal/netio"
	"github.com/tera-insights/xferd/internal/rootfs"
)

// peer is a scripted TFTP client: it owns the "client" UDP socket whose
// address goes into the request, then exchanges DATA/ACK with whatever
// ephemeral socket the server dials back from.
type peer struct {
	t        *testing.T
	conn     *net.UDPConn
	transfer *net.UDPAddr // learned from the first packet the server sends
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &peer{t: t, conn: conn}
}

func (p *peer) addr() *net.UDPAddr { return p.conn.LocalAddr().(*net.UDPAddr) }

func (p *peer) recv() interface{} {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 70000)
	n, from, err := p.conn.ReadFromUDP(buf)
	require.NoError(p.t, err)
	if p.transfer == nil {
		p.transfer = from
	} else {
		require.Equal(p.t, p.transfer.String(), from.String(), "transfer must stick to one TID")
	}
	pkt, err := parsePacket(buf[:n])
	require.NoError(p.t, err)
	return pkt
}

func (p *peer) recvData() *dataPkt {
	p.t.Helper()
	pkt := p.recv()
	data, ok := pkt.(*dataPkt)
	require.True(p.t, ok, "expected DATA, got %T (%+v)", pkt, pkt)
	return data
}

func (p *peer) recvOACK() *oackPkt {
	p.t.Helper()
	pkt := p.recv()
	oack, ok := pkt.(*oackPkt)
	require.True(p.t, ok, "expected OACK, got %T (%+v)", pkt, pkt)
	return oack
}

func (p *peer) send(pkt interface{ MarshalBinary() ([]byte, error) }) {
	p.t.Helper()
	require.NotNil(p.t, p.transfer, "no transfer address learned yet")
	b, err := pkt.MarshalBinary()
	require.NoError(p.t, err)
	_, err = p.conn.WriteToUDP(b, p.transfer)
	require.NoError(p.t, err)
}

func (p *peer) ack(block uint16) { p.send(&ackPkt{Block: block}) }

func (p *peer) expectSilence() {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, 70000)
	n, _, err := p.conn.ReadFromUDP(buf)
	if err == nil {
		pkt, _ := parsePacket(buf[:n])
		p.t.Fatalf("expected silence, got %T (%+v)", pkt, pkt)
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()
	cfg := config.Default()
	cfg.RootDir = t.TempDir()
	cfg.TimeoutSecs = 1
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	resolver, err := rootfs.New(cfg.RootDir)
	require.NoError(t, err)
	return New(cfg, resolver), resolver.Root()
}

func rrq(filename, mode string, opts ...optionPair) []byte {
	b, _ := (&requestPkt{Filename: filename, Mode: mode, Options: opts}).MarshalBinary()
	return b
}

func wrq(filename, mode string, opts ...optionPair) []byte {
	b, _ := (&requestPkt{Write: true, Filename: filename, Mode: mode, Options: opts}).MarshalBinary()
	return b
}

// S1: small read, no options: one DATA block, one ACK, done.
func TestReadSmallFileNoOptions(t *testing.T) {
	srv, root := newTestServer(t, nil)
	content := []byte("Hello, TFTP!\n")
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), content, 0o644))

	p := newPeer(t)
	resp := srv.handlePacket(netio.Packet{Data: rrq("hello.txt", "octet"), Addr: p.addr()})
	require.Nil(t, resp, "accepted request answers from the transfer socket")

	data := p.recvData()
	assert.EqualValues(t, 1, data.Block)
	assert.Equal(t, content, data.Payload)
	p.ack(1)
	p.expectSilence()
}

// S2: windowed read with an exact block-size multiple ends with an explicit
// zero-payload DATA block.
func TestReadWindowedExactMultiple(t *testing.T) {
	srv, root := newTestServer(t, nil)
	content := bytes.Repeat([]byte{0xA5}, 16*8192)
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), content, 0o644))

	p := newPeer(t)
	req := rrq("blob.bin", "octet",
		optionPair{"blksize", "8192"}, optionPair{"windowsize", "16"}, optionPair{"tsize", "0"})
	require.Nil(t, srv.handlePacket(netio.Packet{Data: req, Addr: p.addr()}))

	oack := p.recvOACK()
	got := map[string]string{}
	for _, o := range oack.Options {
		got[o.Name] = o.Value
	}
	assert.Equal(t, "8192", got["blksize"])
	assert.Equal(t, "16", got["windowsize"])
	assert.Equal(t, "131072", got["tsize"], "tsize replaced with the real size")

	p.ack(0)
	for i := 1; i <= 16; i++ {
		data := p.recvData()
		assert.EqualValues(t, i, data.Block)
		assert.Len(t, data.Payload, 8192)
	}
	p.ack(16)

	final := p.recvData()
	assert.EqualValues(t, 17, final.Block)
	assert.Empty(t, final.Payload, "exact multiple needs a zero-length terminator")
	p.ack(17)
	p.expectSilence()
}

// S3: a repeated mid-window ACK triggers exactly one whole-window
// retransmission, then normal progress resumes.
func TestReadRetransmitOnDuplicateAck(t *testing.T) {
	srv, root := newTestServer(t, nil)
	content := bytes.Repeat([]byte{0x5A}, 16*8192)
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), content, 0o644))

	p := newPeer(t)
	req := rrq("blob.bin", "octet",
		optionPair{"blksize", "8192"}, optionPair{"windowsize", "16"})
	require.Nil(t, srv.handlePacket(netio.Packet{Data: req, Addr: p.addr()}))

	p.recvOACK()
	p.ack(0)
	for i := 1; i <= 16; i++ {
		p.recvData()
	}

	// duplicate ACK(8): first is ignored, second retransmits the window
	p.ack(8)
	p.ack(8)
	for i := 1; i <= 16; i++ {
		data := p.recvData()
		assert.EqualValues(t, i, data.Block, "whole window retransmits, not one block")
	}

	p.ack(16)
	final := p.recvData()
	assert.EqualValues(t, 17, final.Block)
	assert.Empty(t, final.Payload)
	p.ack(17)
}

func TestReadRetransmitOnTimeout(t *testing.T) {
	srv, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), []byte("payload"), 0o644))

	p := newPeer(t)
	require.Nil(t, srv.handlePacket(netio.Packet{Data: rrq("f.bin", "octet"), Addr: p.addr()}))

	first := p.recvData()
	assert.EqualValues(t, 1, first.Block)

	// say nothing; the 1s transfer timeout forces a retransmission
	again := p.recvData()
	assert.EqualValues(t, 1, again.Block)
	assert.Equal(t, first.Payload, again.Payload)

	p.ack(1)
	p.expectSilence()
}

func TestReadNetasciiTsizeMatchesWire(t *testing.T) {
	srv, root := newTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "lines.txt"), []byte("a\nb\nc\n"), 0o644))

	p := newPeer(t)
	req := rrq("lines.txt", "netascii", optionPair{"tsize", "0"})
	require.Nil(t, srv.handlePacket(netio.Packet{Data: req, Addr: p.addr()}))

	oack := p.recvOACK()
	require.Len(t, oack.Options, 1)
	assert.Equal(t, "tsize", oack.Options[0].Name)
	assert.Equal(t, "9", oack.Options[0].Value, "3 LFs expand by one byte each")

	p.ack(0)
	data := p.recvData()
	assert.Equal(t, "a\r\nb\r\nc\r\n", string(data.Payload))
	assert.Len(t, data.Payload, 9)
	p.ack(1)
}

func TestReadMissingFile(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := newPeer(t)

	resp := srv.handlePacket(netio.Packet{Data: rrq("nope.bin", "octet"), Addr: p.addr()})
	require.NotNil(t, resp)
	pkt, err := parsePacket(resp.Data)
	require.NoError(t, err)
	perr, ok := pkt.(*errorPkt)
	require.True(t, ok)
	assert.Equal(t, ecFileNotFound, perr.Code)
}

func TestReadTraversalDenied(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := newPeer(t)

	resp := srv.handlePacket(netio.Packet{Data: rrq("../../etc/passwd", "octet"), Addr: p.addr()})
	require.NotNil(t, resp)
	perr := mustError(t, resp.Data)
	assert.Equal(t, ecAccessViolation, perr.Code)
}

// S4: the write allowlist admits matching names and turns everything else
// away before any socket or file work happens.
func TestWriteAllowlist(t *testing.T) {
	srv, root := newTestServer(t, func(c *config.Config) {
		c.WriteConfig.Enabled = true
		c.WriteConfig.AllowedPatterns = []string{"*.txt"}
	})

	// allowed: upload.txt
	p := newPeer(t)
	require.Nil(t, srv.handlePacket(netio.Packet{Data: wrq("upload.txt", "octet"), Addr: p.addr()}))

	ack := p.recv().(*ackPkt)
	assert.EqualValues(t, 0, ack.Block)

	p.send(&dataPkt{Block: 1, Payload: []byte("uploaded body")})
	final := p.recv().(*ackPkt)
	assert.EqualValues(t, 1, final.Block)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(root, "upload.txt"))
		return err == nil && string(got) == "uploaded body"
	}, 5*time.Second, 20*time.Millisecond)

	// denied: upload.exe
	p2 := newPeer(t)
	resp := srv.handlePacket(netio.Packet{Data: wrq("upload.exe", "octet"), Addr: p2.addr()})
	require.NotNil(t, resp)
	perr := mustError(t, resp.Data)
	assert.Equal(t, ecAccessViolation, perr.Code)
	_, err := os.Stat(filepath.Join(root, "upload.exe"))
	assert.True(t, os.IsNotExist(err), "no file may be created for a denied write")
}

func TestWriteDisabledByDefault(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := newPeer(t)

	resp := srv.handlePacket(netio.Packet{Data: wrq("any.txt", "octet"), Addr: p.addr()})
	require.NotNil(t, resp)
	assert.Equal(t, ecAccessViolation, mustError(t, resp.Data).Code)
}

func TestWriteNoOverwrite(t *testing.T) {
	srv, root := newTestServer(t, func(c *config.Config) {
		c.WriteConfig.Enabled = true
		c.WriteConfig.AllowedPatterns = []string{"*.txt"}
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "present.txt"), []byte("old"), 0o644))

	p := newPeer(t)
	resp := srv.handlePacket(netio.Packet{Data: wrq("present.txt", "octet"), Addr: p.addr()})
	require.NotNil(t, resp)
	assert.Equal(t, ecFileExists, mustError(t, resp.Data).Code)
}

func TestWriteWindowedAcks(t *testing.T) {
	srv, root := newTestServer(t, func(c *config.Config) {
		c.WriteConfig.Enabled = true
		c.WriteConfig.AllowedPatterns = []string{"*.bin"}
	})

	p := newPeer(t)
	req := wrq("win.bin", "octet",
		optionPair{"blksize", "512"}, optionPair{"windowsize", "4"})
	require.Nil(t, srv.handlePacket(netio.Packet{Data: req, Addr: p.addr()}))

	oack := p.recvOACK()
	require.Len(t, oack.Options, 2)

	block := bytes.Repeat([]byte{0x11}, 512)
	for i := 1; i <= 4; i++ {
		p.send(&dataPkt{Block: uint16(i), Payload: block})
	}
	// the receive side mirrors the read windowing: one ACK per window
	ack := p.recv().(*ackPkt)
	assert.EqualValues(t, 4, ack.Block)

	p.send(&dataPkt{Block: 5, Payload: []byte("tail")})
	ack = p.recv().(*ackPkt)
	assert.EqualValues(t, 5, ack.Block)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(root, "win.bin"))
		return err == nil && len(got) == 4*512+4
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWriteNetascii(t *testing.T) {
	srv, root := newTestServer(t, func(c *config.Config) {
		c.WriteConfig.Enabled = true
		c.WriteConfig.AllowedPatterns = []string{"*.txt"}
	})

	p := newPeer(t)
	require.Nil(t, srv.handlePacket(netio.Packet{Data: wrq("note.txt", "netascii"), Addr: p.addr()}))
	assert.EqualValues(t, 0, p.recv().(*ackPkt).Block)

	p.send(&dataPkt{Block: 1, Payload: []byte("one\r\ntwo\r\x00")})
	assert.EqualValues(t, 1, p.recv().(*ackPkt).Block)

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(root, "note.txt"))
		return err == nil && string(got) == "one\ntwo\r"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStrayPacketsOnListener(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	p := newPeer(t)

	ackBytes, _ := (&ackPkt{Block: 3}).MarshalBinary()
	resp := srv.handlePacket(netio.Packet{Data: ackBytes, Addr: p.addr()})
	require.NotNil(t, resp)
	assert.Equal(t, ecUnknownTID, mustError(t, resp.Data).Code)

	resp = srv.handlePacket(netio.Packet{Data: []byte{0xff, 0xfe, 1, 2}, Addr: p.addr()})
	require.NotNil(t, resp)
	assert.Equal(t, ecIllegalOp, mustError(t, resp.Data).Code)
}

func mustError(t *testing.T, b []byte) *errorPkt {
	t.Helper()
	pkt, err := parsePacket(b)
	require.NoError(t, err)
	perr, ok := pkt.(*errorPkt)
	require.True(t, ok, "expected ERROR, got %T", pkt)
	return perr
}

// binary sanity: DATA blocks carry big-endian opcode and block number.
func TestDataPacketWireFormat(t *testing.T) {
	b, err := (&dataPkt{Block: 0x0102, Payload: []byte{9}}).MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(b[0:2]))
	assert.Equal(t, uint16(0x0102), binary.BigEndian.Uint16(b[2:4]))
	assert.Equal(t, byte(9), b[4])
}
