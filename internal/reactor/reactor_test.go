package reactor

import (
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/ringid"
	"github.com/ringboard/ringboard/store"
	"github.com/ringboard/ringboard/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data"), store.Capacities{
		ringid.Favorites: 64,
		ringid.Main:       64,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sockPath := filepath.Join(dir, "server.sock")
	srv, err := New(sockPath, st, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	t.Cleanup(func() {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		unix.Write(srv.signalEventFD, buf[:])
		<-done
		srv.Close()
	})

	return srv, sockPath
}

func dial(t *testing.T, sockPath string) *net.UnixConn {
	t.Helper()
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: sockPath, Net: "unixpacket"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func handshake(t *testing.T, conn *net.UnixConn) {
	t.Helper()
	_, err := conn.Write([]byte{wire.Version})
	require.NoError(t, err)
	var reply [1]byte
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(reply[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, wire.Version, reply[0])
}

func TestHandshakeVersionMatch(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	handshake(t, conn)
}

func TestAddRoundTripThroughSocket(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	handshake(t, conn)

	payload := []byte("hello ringboard")
	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = tmp.Write(payload)
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)
	defer tmp.Close()

	req := wire.Request{Op: wire.OpAdd, To: ringid.Main}
	reqBytes, err := req.Encode()
	require.NoError(t, err)

	oob := unix.UnixRights(int(tmp.Fd()))
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.WriteMsgUnix(reqBytes, oob, nil)
	require.NoError(t, err)

	respBuf := make([]byte, wire.ResponseSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(respBuf)
	require.NoError(t, err)
	require.Equal(t, wire.ResponseSize, n)

	resp, err := wire.DecodeResponse(respBuf)
	require.NoError(t, err)
	require.Equal(t, wire.OpAdd, resp.Op)
	require.Equal(t, wire.IDErrOK, resp.Err1)
	require.NotZero(t, resp.ID)
}

func TestRemoveUnknownIDReportsInvalidEntry(t *testing.T) {
	_, sockPath := startTestServer(t)
	conn := dial(t, sockPath)
	handshake(t, conn)

	req := wire.Request{Op: wire.OpRemove, ID: ringid.Composite(ringid.Main, 12345)}
	reqBytes, err := req.Encode()
	require.NoError(t, err)

	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write(reqBytes)
	require.NoError(t, err)

	respBuf := make([]byte, wire.ResponseSize)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := conn.Read(respBuf)
	require.NoError(t, err)
	require.Equal(t, wire.ResponseSize, n)

	resp, err := wire.DecodeResponse(respBuf)
	require.NoError(t, err)
	require.Equal(t, wire.IDErrInvalidEntry, resp.Err1)
}

func TestPasteRoundTripOverDgramSocket(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "data"), store.Capacities{
		ringid.Favorites: 64,
		ringid.Main:      64,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tmp, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = tmp.WriteString("clip me")
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)
	id, err := st.Add(ringid.Main, "", tmp)
	require.NoError(t, err)
	tmp.Close()

	pastePath := filepath.Join(dir, "paste.sock")
	srv, err := NewPasteServer(pastePath, st, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})

	clientPath := filepath.Join(dir, "client.sock")
	conn, err := net.DialUnix("unixgram", &net.UnixAddr{Name: clientPath, Net: "unixgram"}, &net.UnixAddr{Name: pastePath, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	cmd := wire.PasteCommand{Version: wire.Version, TriggerPaste: true, ID: id}
	cmdBytes, err := cmd.Encode()
	require.NoError(t, err)
	_, err = conn.Write(cmdBytes)
	require.NoError(t, err)

	respBuf := make([]byte, wire.PasteCommandSize)
	oobBuf := make([]byte, unix.CmsgSpace(4))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, oobn, _, _, err := conn.ReadMsgUnix(respBuf, oobBuf)
	require.NoError(t, err)
	require.Equal(t, wire.PasteCommandSize, n)

	reply, err := wire.DecodePasteCommand(respBuf[:n])
	require.NoError(t, err)
	require.Equal(t, id, reply.ID)

	scms, err := unix.ParseSocketControlMessage(oobBuf[:oobn])
	require.NoError(t, err)
	require.Len(t, scms, 1)
	fds, err := unix.ParseUnixRights(&scms[0])
	require.NoError(t, err)
	require.Len(t, fds, 1)
	defer unix.Close(fds[0])

	data := make([]byte, 16)
	rn, err := unix.Pread(fds[0], data, 0)
	require.NoError(t, err)
	require.Equal(t, "clip me", string(data[:rn]))
}

func TestTableFullPausesAcceptUntilClientCloses(t *testing.T) {
	_, sockPath := startTestServer(t)

	conns := make([]*net.UnixConn, 0, MaxClients)
	for i := 0; i < MaxClients; i++ {
		c := dial(t, sockPath)
		handshake(t, c)
		conns = append(conns, c)
	}

	// One more connection than the table has room for: the accept
	// backlog holds it but the server won't service it until a slot
	// frees up.
	extra := dial(t, sockPath)
	require.NoError(t, extra.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := extra.Write([]byte{wire.Version})
	require.NoError(t, err)

	conns[0].Close()

	require.NoError(t, extra.SetReadDeadline(time.Now().Add(5*time.Second)))
	var reply [1]byte
	n, err := extra.Read(reply[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, wire.Version, reply[0])
}
