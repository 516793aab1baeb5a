package reactor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/store"
	"github.com/ringboard/ringboard/wire"
)

// PasteServer runs the DGRAM side channel spec.md §6 mentions in
// passing: external clipboard watchers send a PasteCommand naming an
// id, and get back a read-only copy of that entry's bytes over an
// anonymous memfd passed as an SCM_RIGHTS ancillary fd. It runs on its
// own goroutine outside the control socket's epoll loop, since its
// traffic is low-rate and unrelated to the core request/response
// sequencing guarantees spec.md §5 asks of the control socket.
type PasteServer struct {
	fd   int
	path string
	st   *store.Store
	log  *zap.SugaredLogger
}

// NewPasteServer binds the DGRAM paste socket at path.
func NewPasteServer(path string, st *store.Store, log *zap.SugaredLogger) (*PasteServer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reactor: remove stale paste socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: create paste socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: bind paste socket %s: %w", path, err)
	}
	return &PasteServer{fd: fd, path: path, st: st, log: log}, nil
}

// Run blocks, servicing one PasteCommand datagram at a time, until the
// socket is closed out from under it.
func (p *PasteServer) Run() error {
	buf := make([]byte, wire.PasteCommandSize)
	for {
		n, from, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.EINVAL) {
				return nil // socket closed during shutdown
			}
			return fmt.Errorf("reactor: paste recvfrom: %w", err)
		}
		if n != wire.PasteCommandSize || from == nil {
			continue // anonymous senders and malformed datagrams are dropped
		}
		p.handle(buf[:n], from)
	}
}

func (p *PasteServer) handle(raw []byte, from unix.Sockaddr) {
	cmd, err := wire.DecodePasteCommand(raw)
	if err != nil {
		if p.log != nil {
			p.log.Warnw("dropping malformed paste command", "error", err)
		}
		return
	}
	if !cmd.TriggerPaste {
		return
	}

	data, mime, err := p.st.ReadPayload(cmd.ID)
	if err != nil {
		if p.log != nil {
			p.log.Warnw("paste command named unresolvable id", "id", cmd.ID, "error", err)
		}
		return
	}

	memfd, err := unix.MemfdCreate("ringboard-paste", 0)
	if err != nil {
		if p.log != nil {
			p.log.Warnw("memfd_create failed, dropping paste request", "error", err)
		}
		return
	}
	defer unix.Close(memfd)
	if _, err := unix.Write(memfd, data); err != nil {
		if p.log != nil {
			p.log.Warnw("failed to populate paste memfd", "error", err)
		}
		return
	}
	if _, err := unix.Seek(memfd, 0, io.SeekStart); err != nil {
		if p.log != nil {
			p.log.Warnw("failed to rewind paste memfd", "error", err)
		}
		return
	}

	reply := wire.PasteCommand{Version: wire.Version, ID: cmd.ID, Mime: mime}
	replyBytes, err := reply.Encode()
	if err != nil {
		if p.log != nil {
			p.log.Warnw("failed to encode paste reply", "error", err)
		}
		return
	}

	if err := unix.Sendmsg(p.fd, replyBytes, unix.UnixRights(memfd), from, 0); err != nil && p.log != nil {
		p.log.Warnw("failed to send paste reply", "error", err)
	}
}

// Close releases the paste socket.
func (p *PasteServer) Close() error {
	unix.Close(p.fd)
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reactor: remove paste socket %s: %w", p.path, err)
	}
	return nil
}
