package sftp

import (
	"io"
	"os"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/tera-insights/xferd/internal/access"
	"github.com/tera-insights/xferd/internal/rootfs"
)

// maxTxPacket caps a single SSH_FXP_DATA payload.
const maxTxPacket = 1 << 15

// readdirBatch is how many entries a single SSH_FXP_NAME response carries.
const readdirBatch = 128

// opDeadline bounds every filesystem operation so a hung volume cannot wedge
// the channel forever.
const opDeadline = 30 * time.Second

var errOpTimeout = errors.New("operation timed out")

// Dispatcher is the per-channel SFTP state machine: it parses requests off
// the channel, applies them to the filesystem under the resolver's root, and
// emits exactly one response per request, in receive order.
type Dispatcher struct {
	conn     *conn
	resolver *rootfs.Resolver
	handles  *handleTable

	session string // opaque session id for the audit log
	remote  string // client address for the audit log
}

// NewDispatcher builds a dispatcher serving rwc. session and remote identify
// the connection in the audit log only; they never reach the wire.
func NewDispatcher(rwc io.ReadWriteCloser, resolver *rootfs.Resolver, session, remote string) *Dispatcher {
	return &Dispatcher{
		conn:     &conn{Reader: rwc, WriteCloser: rwc},
		resolver: resolver,
		handles:  newHandleTable(),
		session:  session,
		remote:   remote,
	}
}

// Serve runs the request loop until the channel closes or a framing error
// makes the stream unusable. The handle table is torn down on every exit
// path.
func (d *Dispatcher) Serve() error {
	defer d.handles.closeAll()

	for {
		pktType, pktBytes, err := d.conn.recvPacket()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Cause(err) == errTooLarge {
				// can't attribute an id to an unread packet; report then drop
				// the session
				_ = d.conn.sendPacket(statusFromError(zeroID{}, ErrBadMessage))
			}
			return err
		}

		pkt, perr := makePacket(fxp(pktType), pktBytes)
		if perr != nil {
			if errors.Cause(perr) == errUnknownPacket {
				rpkt := statusFromError(idFromBody(pktBytes), ErrOpUnsupported)
				if err := d.conn.sendPacket(rpkt); err != nil {
					return err
				}
				continue
			}
			// partially decoded packet still knows its id
			if err := d.conn.sendPacket(statusFromError(pkt, ErrBadMessage)); err != nil {
				return err
			}
			continue
		}

		rpkt := d.handlePacket(pkt)
		if rpkt == nil {
			continue // init/version handshake handled inline
		}
		if err := d.conn.sendPacket(rpkt); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) handlePacket(pkt requestPacket) responsePacket {
	switch p := pkt.(type) {
	case *fxpInitPkt:
		if err := d.conn.sendPacket(&fxpVersionPkt{Version: ProtocolVersion}); err != nil {
			lgr.Printf("[WARN] sftp: version handshake failed session=%s: %v", d.session, err)
		}
		return nil
	case *fxpOpenPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleOpen(p) })
	case *fxpClosePkt:
		return d.withDeadline(p, func() responsePacket { return statusFromError(p, d.handles.closeHandle(p.Handle)) })
	case *fxpReadPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleRead(p) })
	case *fxpWritePkt:
		return d.withDeadline(p, func() responsePacket { return d.handleWrite(p) })
	case *fxpLstatPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleStat(p, p.Path, os.Lstat) })
	case *fxpStatPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleStat(p, p.Path, os.Stat) })
	case *fxpFstatPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleFstat(p) })
	case *fxpOpendirPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleOpendir(p) })
	case *fxpReaddirPkt:
		return d.handleReaddir(p)
	case *fxpRemovePkt:
		return d.withDeadline(p, func() responsePacket { return d.handleRemove(p) })
	case *fxpMkdirPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleMkdir(p) })
	case *fxpRmdirPkt:
		return d.withDeadline(p, func() responsePacket { return d.handleRmdir(p) })
	case *fxpRealpathPkt:
		return d.handleRealpath(p)
	case *fxpRenamePkt:
		return d.withDeadline(p, func() responsePacket { return d.handleRename(p) })
	case *fxpSetstatPkt, *fxpFsetstatPkt, *fxpReadlinkPkt, *fxpSymlinkPkt, *fxpExtendedPkt:
		return statusFromError(pkt, ErrOpUnsupported)
	default:
		return statusFromError(pkt, ErrOpUnsupported)
	}
}

// withDeadline bounds a filesystem-touching handler. The handler keeps
// running if the deadline fires; only the response is abandoned.
func (d *Dispatcher) withDeadline(pkt ider, fn func() responsePacket) responsePacket {
	done := make(chan responsePacket, 1)
	go func() { done <- fn() }()
	select {
	case rpkt := <-done:
		return rpkt
	case <-time.After(opDeadline):
		lgr.Printf("[WARN] sftp: operation deadline exceeded session=%s", d.session)
		return statusFromError(pkt, errOpTimeout)
	}
}

func (d *Dispatcher) resolve(pkt ider, userPath string) (string, responsePacket) {
	p, err := d.resolver.Resolve(userPath)
	if err != nil {
		if errors.Cause(err) == rootfs.ErrTraversal {
			access.AuditTraversal(d.remote, d.session, userPath)
		}
		return "", statusFromError(pkt, err)
	}
	return p, nil
}

func (d *Dispatcher) handleOpen(p *fxpOpenPkt) responsePacket {
	local, rpkt := d.resolve(p, p.Path)
	if rpkt != nil {
		return rpkt
	}

	osFlags, ok := p.PFlags.os()
	if !ok {
		return statusFromError(p, ErrBadMessage)
	}

	perms := os.FileMode(0644)
	if p.Attr != nil && p.Attr.Flags&AttrFlagPermissions != 0 {
		perms = p.Attr.Perms & os.ModePerm
	}

	f, err := os.OpenFile(local, osFlags, perms) // #nosec G304 -- path went through the resolver
	if err != nil {
		return statusFromError(p, err)
	}
	handle, err := d.handles.openFile(f)
	if err != nil {
		_ = f.Close()
		return statusFromError(p, err)
	}
	return &fxpHandlePkt{ID: p.ID, Handle: handle}
}

func (d *Dispatcher) handleRead(p *fxpReadPkt) responsePacket {
	f, err := d.handles.file(p.Handle)
	if err != nil {
		return statusFromError(p, err)
	}
	data := make([]byte, clamp(p.Len, maxTxPacket))
	n, err := f.ReadAt(data, int64(p.Offset))
	if n == 0 && err != nil {
		return statusFromError(p, err) // io.EOF maps to SSH_FX_EOF
	}
	return &fxpDataPkt{ID: p.ID, Data: data[:n]}
}

func (d *Dispatcher) handleWrite(p *fxpWritePkt) responsePacket {
	f, err := d.handles.file(p.Handle)
	if err != nil {
		return statusFromError(p, err)
	}
	_, err = f.WriteAt(p.Data, int64(p.Offset))
	return statusFromError(p, err)
}

func (d *Dispatcher) handleStat(pkt ider, userPath string, stat func(string) (os.FileInfo, error)) responsePacket {
	local, rpkt := d.resolve(pkt, userPath)
	if rpkt != nil {
		return rpkt
	}
	info, err := stat(local)
	if err != nil {
		return statusFromError(pkt, err)
	}
	return &fxpAttrPkt{ID: pkt.id(), Attr: fileAttrFromInfo(info)}
}

func (d *Dispatcher) handleFstat(p *fxpFstatPkt) responsePacket {
	f, err := d.handles.file(p.Handle)
	if err != nil {
		return statusFromError(p, err)
	}
	info, err := f.Stat()
	if err != nil {
		return statusFromError(p, err)
	}
	return &fxpAttrPkt{ID: p.ID, Attr: fileAttrFromInfo(info)}
}

func (d *Dispatcher) handleOpendir(p *fxpOpendirPkt) responsePacket {
	local, rpkt := d.resolve(p, p.Path)
	if rpkt != nil {
		return rpkt
	}
	dirents, err := os.ReadDir(local)
	if err != nil {
		return statusFromError(p, err)
	}
	// one-shot snapshot; entry order is whatever the filesystem yielded and
	// stays stable for the lifetime of the handle
	entries := make([]os.FileInfo, 0, len(dirents))
	for _, de := range dirents {
		info, err := de.Info()
		if err != nil {
			continue // entry vanished between listing and stat
		}
		entries = append(entries, info)
	}
	handle, err := d.handles.openDir(p.Path, entries)
	if err != nil {
		return statusFromError(p, err)
	}
	return &fxpHandlePkt{ID: p.ID, Handle: handle}
}

func (d *Dispatcher) handleReaddir(p *fxpReaddirPkt) responsePacket {
	dir, err := d.handles.dir(p.Handle)
	if err != nil {
		return statusFromError(p, err)
	}
	batch := dir.nextBatch(readdirBatch)
	if batch == nil {
		return statusFromError(p, ErrEOF)
	}
	ret := &fxpNamePkt{ID: p.ID}
	for _, info := range batch {
		ret.Items = append(ret.Items, fxpNamePktItem{
			Name:     info.Name(),
			LongName: runLs(info),
			Attr:     fileAttrFromInfo(info),
		})
	}
	return ret
}

func (d *Dispatcher) handleRemove(p *fxpRemovePkt) responsePacket {
	local, rpkt := d.resolve(p, p.Path)
	if rpkt != nil {
		return rpkt
	}
	info, err := os.Lstat(local)
	if err != nil {
		return statusFromError(p, err)
	}
	if info.IsDir() {
		return statusFromError(p, ErrGeneric)
	}
	return statusFromError(p, os.Remove(local))
}

func (d *Dispatcher) handleMkdir(p *fxpMkdirPkt) responsePacket {
	local, rpkt := d.resolve(p, p.Path)
	if rpkt != nil {
		return rpkt
	}
	perms := os.FileMode(0755)
	if p.Attr != nil && p.Attr.Flags&AttrFlagPermissions != 0 {
		perms = p.Attr.Perms & os.ModePerm
	}
	return statusFromError(p, os.Mkdir(local, perms))
}

func (d *Dispatcher) handleRmdir(p *fxpRmdirPkt) responsePacket {
	local, rpkt := d.resolve(p, p.Path)
	if rpkt != nil {
		return rpkt
	}
	info, err := os.Lstat(local)
	if err != nil {
		return statusFromError(p, err)
	}
	if !info.IsDir() {
		return statusFromError(p, ErrGeneric)
	}
	return statusFromError(p, os.Remove(local))
}

func (d *Dispatcher) handleRealpath(p *fxpRealpathPkt) responsePacket {
	canon, err := d.resolver.Canonical(p.Path)
	if err != nil {
		return statusFromError(p, err)
	}
	return &fxpNamePkt{
		ID: p.ID,
		Items: []fxpNamePktItem{{
			Name:     canon,
			LongName: canon,
			Attr:     &FileAttr{},
		}},
	}
}

func (d *Dispatcher) handleRename(p *fxpRenamePkt) responsePacket {
	oldLocal, rpkt := d.resolve(p, p.OldPath)
	if rpkt != nil {
		return rpkt
	}
	newLocal, rpkt := d.resolve(p, p.NewPath)
	if rpkt != nil {
		return rpkt
	}
	return statusFromError(p, os.Rename(oldLocal, newLocal))
}

// zeroID stands in when no request id could be recovered from the wire.
type zeroID struct{}

func (zeroID) id() uint32 { return 0 }

// idFromBody best-effort extracts the request id of a packet whose type we
// do not understand, so the error response still correlates.
func idFromBody(b []byte) ider {
	if id, _, err := takeU32(b); err == nil {
		return idOnly(id)
	}
	return zeroID{}
}

type idOnly uint32

func (i idOnly) id() uint32 { return uint32(i) }

func clamp(v, max uint32) uint32 {
	if v > max {
		return max
	}
	return v
}
