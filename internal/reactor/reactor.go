// Package reactor implements the single-threaded event loop described in
// spec.md §4.F. The spec's loop targets a completion-based async I/O
// interface (io_uring) with a fixed file table and registered buffer
// rings; per spec.md §9's explicit escape hatch, this implementation
// substitutes an epoll-driven readiness loop built directly on
// golang.org/x/sys/unix, in the style of the raw-syscall uring packages
// in the retrieval pack, but targeting EpollCreate1/EpollCtl/EpollWait.
// The fixed-size client table, per-client FIFO send ordering, and
// backpressure handling it asks for are preserved; only the underlying
// kernel primitive differs.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/internal/sendpool"
	"github.com/ringboard/ringboard/internal/shutdown"
	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/store"
	"github.com/ringboard/ringboard/wire"
)

// MaxClients is the fixed file table's client capacity (spec.md §4.F).
const MaxClients = 32

// recvControlSpace is large enough for exactly one SCM_RIGHTS fd, the
// only ancillary payload the control socket ever carries in a single
// request (Add's source fd).
var recvControlSpace = unix.CmsgSpace(4)

type client struct {
	fd            int
	inUse         bool
	handshakeDone bool
	seq           uint64
	pendingRecv   bool // set after -ENOBUFS/-EMSGSIZE; cleared once a send completes
	pendingSend   bool // EPOLLOUT currently armed
}

// Server runs the epoll reactor over one control-socket listener, the
// data store it dispatches requests into, and the send-buffer pool
// backing outbound replies.
type Server struct {
	epfd       int
	listenerFD int
	sockPath   string

	signalEventFD int
	sigCh         chan os.Signal

	memPressure *shutdown.MemoryPressureWatcher

	store *store.Store
	pool  *sendpool.Pool
	log   *zap.SugaredLogger

	clients      [MaxClients]client
	fdToClient   map[int]int
	acceptPaused bool
}

// New binds the control socket at sockPath, creates the epoll instance,
// and registers the listener, a signal-bridging eventfd, and (if
// present) the cgroup v2 memory-pressure fd.
func New(sockPath string, st *store.Store, log *zap.SugaredLogger) (*Server, error) {
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reactor: remove stale socket %s: %w", sockPath, err)
	}

	lfd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: create listener socket: %w", err)
	}
	if err := unix.Bind(lfd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("reactor: bind %s: %w", sockPath, err)
	}
	if err := unix.Listen(lfd, MaxClients); err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("reactor: listen on %s: %w", sockPath, err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(lfd)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	s := &Server{
		epfd:       epfd,
		listenerFD: lfd,
		sockPath:   sockPath,
		store:      st,
		pool:       sendpool.New(),
		log:        log,
		fdToClient: make(map[int]int, MaxClients),
	}

	if err := s.epollAdd(lfd, unix.EPOLLIN); err != nil {
		s.Close()
		return nil, err
	}

	sigEventFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}
	s.signalEventFD = sigEventFD
	if err := s.epollAdd(sigEventFD, unix.EPOLLIN); err != nil {
		s.Close()
		return nil, err
	}
	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go s.bridgeSignals()

	mp, err := shutdown.DetectMemoryPressureWatcher()
	if err != nil {
		if log != nil {
			log.Warnw("memory pressure watcher unavailable", "error", err)
		}
	} else if mp != nil {
		s.memPressure = mp
		var ev unix.EpollEvent
		ev.Events = unix.EPOLLPRI
		ev.Fd = int32(mp.FD())
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, mp.FD(), &ev); err != nil && log != nil {
			log.Warnw("failed to register memory pressure fd", "error", err)
		}
	}

	return s, nil
}

// bridgeSignals translates Go's portable os/signal delivery into a
// wakeup on signalEventFD, so the epoll loop observes it the same way
// it would observe a kernel signalfd.
func (s *Server) bridgeSignals() {
	sig, ok := <-s.sigCh
	if !ok {
		return
	}
	if s.log != nil {
		s.log.Infow("received shutdown signal", "signal", sig)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(s.signalEventFD, buf[:])
}

func (s *Server) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

func (s *Server) epollMod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (s *Server) epollDel(fd int) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drains completions until a shutdown signal arrives or an
// unrecoverable error occurs, per spec.md §5's "drains completions
// until quiescence" suspension model — here, until epoll_wait blocks
// again.
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, MaxClients+3)
	for {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			switch {
			case fd == s.listenerFD:
				if err := s.onListenerReadable(); err != nil {
					return err
				}
			case fd == s.signalEventFD:
				return nil
			case s.memPressure != nil && fd == s.memPressure.FD():
				s.pool.Trim()
			default:
				idx, ok := s.fdToClient[fd]
				if !ok {
					continue
				}
				if err := s.handleClientEvent(idx, ev.Events); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Server) handleClientEvent(idx int, events uint32) error {
	c := &s.clients[idx]
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.closeClient(idx)
		return nil
	}
	if events&unix.EPOLLOUT != 0 {
		s.trySend(idx)
	}
	if events&unix.EPOLLIN != 0 {
		if c.inUse {
			if err := s.onClientReadable(idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Server) freeSlot() int {
	for i := range s.clients {
		if !s.clients[i].inUse {
			return i
		}
	}
	return -1
}

// onListenerReadable accepts as many pending connections as the fixed
// table has room for. Once the table is full it pauses accepting
// (spec.md §4.F's -NFILE handling, here triggered by local table
// exhaustion rather than a kernel fd-limit error) until a client slot
// frees up.
func (s *Server) onListenerReadable() error {
	for {
		idx := s.freeSlot()
		if idx < 0 {
			s.pauseAccept()
			return nil
		}

		fd, _, err := unix.Accept4(s.listenerFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.ENFILE) || errors.Is(err, unix.EMFILE) {
				s.pauseAccept()
				return nil
			}
			return fmt.Errorf("reactor: accept: %w", err)
		}

		if err := s.epollAdd(fd, unix.EPOLLIN); err != nil {
			unix.Close(fd)
			continue
		}
		s.clients[idx] = client{fd: fd, inUse: true}
		s.fdToClient[fd] = idx
		if s.log != nil {
			s.log.Debugw("client connected", "slot", idx)
		}
	}
}

func (s *Server) pauseAccept() {
	if s.acceptPaused {
		return
	}
	s.acceptPaused = true
	s.epollDel(s.listenerFD)
}

func (s *Server) resumeAcceptIfPaused() {
	if !s.acceptPaused {
		return
	}
	s.acceptPaused = false
	s.epollAdd(s.listenerFD, unix.EPOLLIN)
}

func (s *Server) closeClient(idx int) {
	c := &s.clients[idx]
	if !c.inUse {
		return
	}
	s.epollDel(c.fd)
	unix.Close(c.fd)
	delete(s.fdToClient, c.fd)
	s.pool.ReleaseClient(idx)
	*c = client{}
	if s.log != nil {
		s.log.Debugw("client disconnected", "slot", idx)
	}
	s.resumeAcceptIfPaused()
}

// onClientReadable processes exactly one pending message: the
// single-byte handshake if it hasn't completed yet, otherwise one
// fixed-size request record plus its optional ancillary fd.
func (s *Server) onClientReadable(idx int) error {
	c := &s.clients[idx]

	if !c.handshakeDone {
		return s.handleHandshake(idx)
	}

	rbuf := make([]byte, wire.RequestSize)
	cbuf := make([]byte, recvControlSpace)
	n, oobn, _, _, err := unix.Recvmsg(c.fd, rbuf, cbuf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if errors.Is(err, unix.ENOBUFS) || errors.Is(err, unix.EMSGSIZE) {
			// Back off: wait for a send to complete for this client
			// before resubmitting recv interest, per spec.md §4.F.
			c.pendingRecv = true
			s.epollMod(c.fd, 0)
			return nil
		}
		s.closeClient(idx)
		return nil
	}
	if n == 0 {
		s.closeClient(idx)
		return nil
	}
	if n != wire.RequestSize {
		if s.log != nil {
			s.log.Warnw("client sent malformed request, closing", "slot", idx, "bytes", n)
		}
		s.closeClient(idx)
		return nil
	}

	req, err := wire.DecodeRequest(rbuf)
	if err != nil {
		if s.log != nil {
			s.log.Warnw("client sent undecodable request, closing", "slot", idx, "error", err)
		}
		s.closeClient(idx)
		return nil
	}

	var fds []int
	if oobn > 0 {
		fds, err = extractFDs(cbuf[:oobn])
		if err != nil {
			if s.log != nil {
				s.log.Warnw("failed to parse ancillary data, closing", "slot", idx, "error", err)
			}
			s.closeClient(idx)
			return nil
		}
	}
	if req.Op == wire.OpAdd && len(fds) != 1 {
		for _, fd := range fds {
			unix.Close(fd)
		}
		if s.log != nil {
			s.log.Warnw("add request without exactly one ancillary fd, closing", "slot", idx, "fds", len(fds))
		}
		s.closeClient(idx)
		return nil
	}

	resp, fatal := s.dispatch(req, fds)
	if fatal != nil {
		return fmt.Errorf("reactor: fatal error servicing request: %w", fatal)
	}

	c.seq++
	resp.Sequence = c.seq
	s.queueSend(idx, resp.Encode(), nil)
	return nil
}

func (s *Server) handleHandshake(idx int) error {
	c := &s.clients[idx]
	var buf [1]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		s.closeClient(idx)
		return nil
	}
	if n == 0 {
		s.closeClient(idx)
		return nil
	}

	reply := [1]byte{wire.Version}
	unix.Write(c.fd, reply[:])

	if buf[0] != wire.Version {
		if s.log != nil {
			s.log.Infow("version mismatch, closing", "slot", idx, "clientVersion", buf[0])
		}
		s.closeClient(idx)
		return nil
	}
	c.handshakeDone = true
	return nil
}

func extractFDs(control []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(control)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		rights, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// dispatch resolves one decoded request against the store, mapping its
// outcome onto a Response. It returns a non-nil second value only for
// failures spec.md §7 treats as fatal (I/O errors touching shared
// storage); id-resolution failures are encoded in the response instead.
func (s *Server) dispatch(req wire.Request, fds []int) (wire.Response, error) {
	resp := wire.Response{Op: req.Op}

	switch req.Op {
	case wire.OpAdd:
		if len(fds) != 1 {
			return resp, fmt.Errorf("add request carried %d ancillary fds, want 1", len(fds))
		}
		f := os.NewFile(uintptr(fds[0]), "ringboard-ancillary")
		id, err := s.store.Add(req.To, req.Mime, f)
		f.Close()
		if err != nil {
			return resp, err
		}
		resp.ID = id

	case wire.OpMoveToFront:
		var to *ringid.Kind
		if req.HasTo {
			to = &req.To
		}
		id, err := s.store.MoveToFront(req.ID, to)
		if kind, ok := classifyIDError(err); ok {
			resp.Err1 = kind
		} else if err != nil {
			return resp, err
		} else {
			resp.ID = id
		}

	case wire.OpSwap:
		err1, err2 := s.store.Swap(req.ID, req.ID2)
		if kind, ok := classifyIDError(err1); ok {
			resp.Err1 = kind
		} else if err1 != nil {
			return resp, err1
		}
		if kind, ok := classifyIDError(err2); ok {
			resp.Err2 = kind
		} else if err2 != nil {
			return resp, err2
		}

	case wire.OpRemove:
		err := s.store.Remove(req.ID)
		if kind, ok := classifyIDError(err); ok {
			resp.Err1 = kind
		} else if err != nil {
			return resp, err
		}

	case wire.OpGarbageCollect:
		freed, err := s.store.GarbageCollect(req.MaxWastedBytes)
		if err != nil {
			return resp, err
		}
		resp.BytesFreed = freed

	default:
		return resp, fmt.Errorf("unknown op kind %d", req.Op)
	}

	return resp, nil
}

// classifyIDError maps a resolution error onto its in-band wire
// representation. The second return value is false for a nil error
// (meaning: no error field to set) or for an error that isn't one of
// the two id-resolution kinds (meaning: it's fatal, handled by caller).
func classifyIDError(err error) (wire.IDErrorKind, bool) {
	if err == nil {
		return wire.IDErrOK, false
	}
	var ringErr ringid.InvalidRingError
	if errors.As(err, &ringErr) {
		return wire.IDErrInvalidRing, true
	}
	var entryErr ringid.InvalidEntryError
	if errors.As(err, &entryErr) {
		return wire.IDErrInvalidEntry, true
	}
	return wire.IDErrOK, false
}

func (s *Server) queueSend(idx int, payload, control []byte) {
	if _, err := s.pool.Alloc(idx, payload, control); err != nil {
		if s.log != nil {
			s.log.Warnw("send buffer pool exhausted, dropping client", "slot", idx, "error", err)
		}
		s.closeClient(idx)
		return
	}
	s.trySend(idx)
}

// trySend drains as much of client idx's outbound queue as the socket
// will currently accept, preserving submission order (spec.md §5's
// per-client FIFO guarantee) since Pending returns buffers oldest-first
// and each send must complete before the next is attempted.
func (s *Server) trySend(idx int) {
	c := &s.clients[idx]
	for _, bufIdx := range append([]int(nil), s.pool.Pending(idx)...) {
		buf := s.pool.Buffer(bufIdx)
		err := unix.Sendmsg(c.fd, buf.Payload, buf.Control, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				c.pendingSend = true
				s.epollMod(c.fd, unix.EPOLLIN|unix.EPOLLOUT)
				return
			}
			s.closeClient(idx)
			return
		}
		s.pool.Release(bufIdx)
	}

	c.pendingSend = false
	events := uint32(unix.EPOLLIN)
	if c.pendingRecv {
		c.pendingRecv = false
	}
	s.epollMod(c.fd, events)
}

// Close releases every resource the reactor owns: the epoll instance,
// the listener socket and its path, the signal bridge, and the memory
// pressure watcher.
func (s *Server) Close() error {
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
		close(s.sigCh)
	}
	for i := range s.clients {
		if s.clients[i].inUse {
			s.closeClient(i)
		}
	}
	if s.memPressure != nil {
		s.memPressure.Close()
	}
	if s.signalEventFD != 0 {
		unix.Close(s.signalEventFD)
	}
	if s.listenerFD != 0 {
		unix.Close(s.listenerFD)
	}
	if s.epfd != 0 {
		unix.Close(s.epfd)
	}
	if err := os.Remove(s.sockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reactor: remove socket %s: %w", s.sockPath, err)
	}
	return nil
}
