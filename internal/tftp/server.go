package tftp

import (
	"context"
	"net"
	"os"
	"path"
	"strings"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tera-insights/xferd/internal/access"
	"github.com/tera-insights/xferd/internal/config"
	"github.com/tera-insights/xferd/internal/netio"
	"github.com/tera-insights/xferd/internal/rootfs"
)

// Server owns the TFTP listening socket. Only RRQ/WRQ packets belong there;
// every accepted request moves to its own ephemeral transfer socket. DATA,
// ACK and OACK packets on the listener are answered with an unknown-TID
// error, unparseable datagrams with an illegal-operation error, and stray
// ERROR packets are only logged.
type Server struct {
	cfg      config.Config
	resolver *rootfs.Resolver
	pool     *netio.BufferPool
}

// New builds a server for the given configuration. The configuration must
// already be validated.
func New(cfg config.Config, resolver *rootfs.Resolver) *Server {
	return &Server{
		cfg:      cfg,
		resolver: resolver,
		pool:     netio.NewBufferPool(cfg.Performance.BufferPoolSize, netio.MaxPacketSize),
	}
}

// Run binds the listening socket and serves until ctx is cancelled. With the
// worker pool enabled the master/workers/sender topology takes over;
// otherwise a single reactor loop does everything.
func (s *Server) Run(ctx context.Context) error {
	sock := s.cfg.Performance.Platform.Socket
	pc, err := netio.ListenUDP(ctx, s.cfg.BindAddr, netio.SocketOptions{
		RecvBufferKB: sock.RecvBufferKB,
		SendBufferKB: sock.SendBufferKB,
		ReuseAddress: sock.ReuseAddress,
		ReusePort:    sock.ReusePort,
	})
	if err != nil {
		return err
	}
	defer pc.Close()

	batch := s.cfg.Performance.Platform.Batch
	bc := netio.NewBatchConn(pc, batch.Enable, s.cfg.BatchTimeout())

	wp := s.cfg.Performance.Platform.WorkerPool
	if wp.Enabled {
		lgr.Printf("[INFO] tftpd listening on %s root=%s workers=%d strategy=%s",
			pc.LocalAddr(), s.resolver.Root(), wp.WorkerCount, wp.LoadBalanceStrategy)
		p := newPipeline(bc, s.pool, s.handlePacket, wp, batch.MaxBatchSize, s.cfg.BatchTimeout())
		return p.run(ctx)
	}

	lgr.Printf("[INFO] tftpd listening on %s root=%s (single reactor)", pc.LocalAddr(), s.resolver.Root())
	return s.reactor(ctx, bc, batch.MaxBatchSize)
}

// reactor is the single-task serve loop used when the worker pool is off.
func (s *Server) reactor(ctx context.Context, bc *netio.BatchConn, batchMax int) error {
	if batchMax < 1 {
		batchMax = 1
	}
	bufs := make([][]byte, batchMax)
	for {
		if ctx.Err() != nil {
			return nil
		}
		for i := range bufs {
			bufs[i] = s.pool.Acquire()
		}
		pkts, err := bc.RecvBatch(bufs)
		if err != nil {
			s.releaseAll(bufs)
			if ctx.Err() != nil || netio.IsClosedConn(err) {
				return nil
			}
			lgr.Printf("[WARN] tftp receive error: %v", err)
			continue
		}
		for _, pkt := range pkts {
			if resp := s.handlePacket(pkt); resp != nil {
				if _, err := bc.SendBatch([]netio.Packet{*resp}); err != nil {
					lgr.Printf("[WARN] tftp send error: %v", err)
				}
			}
		}
		s.releaseAll(bufs)
	}
}

func (s *Server) releaseAll(bufs [][]byte) {
	for _, b := range bufs {
		s.pool.Release(b)
	}
}

// handlePacket processes one datagram from the listening socket and returns
// the response to send from it, if any. Requests spawn their transfer
// goroutine; everything else is a stray.
func (s *Server) handlePacket(pkt netio.Packet) *netio.Packet {
	parsed, err := parsePacket(pkt.Data)
	if err != nil {
		return errorReply(pkt.Addr, ecIllegalOp, "illegal TFTP operation")
	}

	switch p := parsed.(type) {
	case *requestPkt:
		return s.handleRequest(p, pkt.Addr)
	case *dataPkt, *ackPkt, *oackPkt:
		// transfers live on their own sockets; traffic for one landing on
		// the listener means the sender's TID bookkeeping is wrong
		return errorReply(pkt.Addr, ecUnknownTID, "unknown transfer ID")
	case *errorPkt:
		lgr.Printf("[DEBUG] tftp stray error packet from %s: %d %s", pkt.Addr, p.Code, p.Msg)
		return nil
	default:
		return errorReply(pkt.Addr, ecIllegalOp, "illegal TFTP operation")
	}
}

func (s *Server) handleRequest(req *requestPkt, addr net.Addr) *netio.Packet {
	client, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil
	}
	session := uuid.New().String()

	opts := negotiate(req.Options,
		s.cfg.Performance.DefaultBlockSize,
		s.cfg.Performance.DefaultWindowsize,
		s.cfg.Timeout())

	if req.Write {
		return s.startWrite(req, client, opts, session)
	}
	return s.startRead(req, client, opts, session)
}

func (s *Server) startRead(req *requestPkt, client *net.UDPAddr, opts *transferOptions, session string) *netio.Packet {
	local, errPkt := s.resolveRequest(req.Filename, client, session)
	if errPkt != nil {
		return errPkt
	}

	src, err := openReadSource(local, req.Mode == modeNetascii,
		s.cfg.Performance.StreamingThreshold, s.cfg.MaxFileSizeBytes)
	if err != nil {
		switch {
		case os.IsNotExist(errors.Cause(err)):
			return errorReply(client, ecFileNotFound, "file not found")
		case os.IsPermission(errors.Cause(err)):
			return errorReply(client, ecAccessViolation, "access violation")
		case errors.Cause(err) == errFileTooLarge:
			return errorReply(client, ecUndefined, "file too large")
		default:
			lgr.Printf("[WARN] tftp open failed session=%s: %v", session, err)
			return errorReply(client, ecUndefined, "cannot open file")
		}
	}

	// the negotiated tsize is the real wire size, post conversion
	if opts.HasTSize {
		opts.TSize = src.size
	}

	conn, err := netio.DialTransferSocket(client, 0)
	if err != nil {
		src.Close()
		lgr.Printf("[WARN] tftp transfer socket failed session=%s: %v", session, err)
		return errorReply(client, ecUndefined, "cannot create transfer socket")
	}

	lgr.Printf("[DEBUG] tftp read start session=%s peer=%s file=%q mode=%s blksize=%d window=%d",
		session, client, req.Filename, req.Mode, opts.BlockSize, opts.Windowsize)
	go func() {
		if err := newReadTransfer(conn, src, opts, session).run(); err != nil {
			lgr.Printf("[WARN] tftp read failed session=%s peer=%s: %v", session, client, err)
		}
	}()
	return nil
}

func (s *Server) startWrite(req *requestPkt, client *net.UDPAddr, opts *transferOptions, session string) *netio.Packet {
	wc := s.cfg.WriteConfig
	if !wc.Enabled {
		access.AuditWriteDenied(client.String(), session, req.Filename, "writes disabled")
		return errorReply(client, ecAccessViolation, "writes not permitted")
	}
	if !s.writeAllowed(req.Filename) {
		access.AuditWriteDenied(client.String(), session, req.Filename, "pattern allowlist")
		return errorReply(client, ecAccessViolation, "filename not permitted")
	}

	local, errPkt := s.resolveRequest(req.Filename, client, session)
	if errPkt != nil {
		return errPkt
	}

	if _, err := os.Lstat(local); err == nil && !wc.AllowOverwrite {
		access.AuditWriteDenied(client.String(), session, req.Filename, "exists, overwrite disabled")
		return errorReply(client, ecFileExists, "file already exists")
	}

	conn, err := netio.DialTransferSocket(client, 0)
	if err != nil {
		lgr.Printf("[WARN] tftp transfer socket failed session=%s: %v", session, err)
		return errorReply(client, ecUndefined, "cannot create transfer socket")
	}

	dest := newWriteDest(local, opts.TSize, req.Mode == modeNetascii, s.cfg.MaxFileSizeBytes)
	lgr.Printf("[DEBUG] tftp write start session=%s peer=%s file=%q mode=%s blksize=%d window=%d",
		session, client, req.Filename, req.Mode, opts.BlockSize, opts.Windowsize)
	go func() {
		if err := newWriteTransfer(conn, dest, opts, session).run(); err != nil {
			lgr.Printf("[WARN] tftp write failed session=%s peer=%s: %v", session, client, err)
		}
	}()
	return nil
}

func (s *Server) resolveRequest(filename string, client *net.UDPAddr, session string) (string, *netio.Packet) {
	local, err := s.resolver.Resolve(filename)
	if err != nil {
		if errors.Cause(err) == rootfs.ErrTraversal {
			access.AuditTraversal(client.String(), session, filename)
		}
		return "", errorReply(client, ecAccessViolation, "access violation")
	}
	return local, nil
}

// writeAllowed matches the client-visible name against the configured glob
// allowlist.
func (s *Server) writeAllowed(filename string) bool {
	name := path.Clean(strings.TrimPrefix(filename, "/"))
	for _, pattern := range s.cfg.WriteConfig.AllowedPatterns {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func errorReply(addr net.Addr, code uint16, msg string) *netio.Packet {
	b, err := (&errorPkt{Code: code, Msg: msg}).MarshalBinary()
	if err != nil {
		return nil
	}
	return &netio.Packet{Data: b, Addr: addr}
}
