// Package ipc implements the two on-host datagram sockets of spec.md
// §4.B/§6: node.sock (CLI → node) and client.sock (node → CLI). Each
// datagram carries exactly one length-prefixed gistitpb.Instruction
// frame.
//
// Grounded on the pack's nabbar-golib unixgram server doc
// (other_examples): connectionless, filesystem-socket, one handler per
// datagram, graceful-shutdown-removes-the-socket-file.
package ipc

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/demfabris/gistit/internal/errs"
	"github.com/demfabris/gistit/internal/gistitpb"
)

const (
	NodeSocketName   = "node.sock"
	ClientSocketName = "client.sock"

	// recvBufferSize must exceed gistitpb.MaxFrameBytes by enough room
	// for the varint length prefix and the datagram header, so a single
	// conn.Read call always captures a full frame in one shot — see the
	// note on Endpoint.Recv about why unixgram sockets cannot be
	// streamed through a two-phase length-then-payload reader.
	recvBufferSize = gistitpb.MaxFrameBytes + 64
)

// SocketDir resolves the directory the two sockets live in, preferring
// XDG_RUNTIME_DIR (so at most one node instance per user is expected,
// per spec.md §4.B) and falling back to a per-uid temp directory.
func SocketDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "gistit")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("gistit-%d", os.Getuid()))
}

// NodePath and ClientPath return the two well-known socket paths.
func NodePath() string   { return filepath.Join(SocketDir(), NodeSocketName) }
func ClientPath() string { return filepath.Join(SocketDir(), ClientSocketName) }

// Endpoint is a bound unixgram listening socket with a read and a write
// side. The node binds node.sock and reads CLI requests from it; the
// out-of-scope CLI binds client.sock the same way to read node replies.
// Only one reader and one writer exist per socket, per spec.md §4.B.
type Endpoint struct {
	path string
	conn *net.UnixConn
}

// Listen binds a fresh Endpoint at path, creating SocketDir if needed.
// A pre-existing socket file is only removed if Probe reports no live
// listener behind it (spec.md §9 "orphaned sockets" contract); a second
// bind attempt against a live node is a fatal ConfigError.
func Listen(path string) (*Endpoint, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.Config("ipc.mkdir", err)
	}

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		if !isAddrInUse(err) {
			return nil, errs.Config("ipc.listen", err)
		}
		if Probe(path) {
			return nil, errs.Config("ipc.listen", errs.ErrSocketInUse)
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, errs.Config("ipc.unlink-stale", rmErr)
		}
		conn, err = net.ListenUnixgram("unixgram", addr)
		if err != nil {
			return nil, errs.Config("ipc.listen-retry", err)
		}
	}
	return &Endpoint{path: path, conn: conn}, nil
}

func isAddrInUse(err error) bool {
	return os.IsExist(err) || bytes.Contains([]byte(err.Error()), []byte("address already in use"))
}

// Close closes the socket and removes its file, per spec.md §5 ("the
// node removes them on clean shutdown").
func (e *Endpoint) Close() error {
	err := e.conn.Close()
	if rmErr := os.Remove(e.path); rmErr != nil && !os.IsNotExist(rmErr) {
		if err == nil {
			err = rmErr
		}
	}
	return err
}

// Recv suspends until a frame arrives or the socket is closed.
//
// A single conn.Read call is used deliberately: unixgram sockets
// deliver whole datagrams per Read, discarding any unread remainder, so
// a streaming length-then-payload reader (as gistitpb.ReadFrame uses
// for the true byte-stream request/response protocol) would corrupt
// the second phase by consuming the next unrelated datagram instead of
// the rest of this one. Reading the whole datagram into memory first,
// then decoding from a bytes.Reader, sidesteps that.
func (e *Endpoint) Recv() (*gistitpb.Instruction, error) {
	buf := make([]byte, recvBufferSize)
	n, err := e.conn.Read(buf)
	if err != nil {
		return nil, errs.IPC("ipc.recv", err)
	}
	instr, err := gistitpb.DecodeFrame(buf[:n])
	if err != nil {
		return nil, errs.IPC("ipc.decode", fmt.Errorf("%w: %v", errs.ErrInvalidFrame, err))
	}
	return instr, nil
}

// Send serializes and transmits a single frame to dst.
func (e *Endpoint) Send(dst string, i *gistitpb.Instruction) error {
	buf, err := gistitpb.EncodeFrame(i)
	if err != nil {
		if err == gistitpb.ErrFrameTooLarge {
			return errs.IPC("ipc.send", errs.ErrPayloadTooLarge)
		}
		return errs.IPC("ipc.encode", err)
	}
	addr := &net.UnixAddr{Name: dst, Net: "unixgram"}
	if _, err := e.conn.WriteTo(buf, addr); err != nil {
		return errs.IPC("ipc.send", err)
	}
	return nil
}

// SetReadDeadline forwards to the underlying connection so callers can
// bound Recv (used by tests).
func (e *Endpoint) SetReadDeadline(t time.Time) error {
	return e.conn.SetReadDeadline(t)
}

// Probe is a non-destructive liveness check: it sends a zero-length
// datagram at path and reports whether that succeeds, i.e. whether some
// process is currently listening there. It never waits for, or expects,
// a reply — that is the CLI's alive() contract from spec.md §4.B.
func Probe(path string) bool {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.Write(nil)
	return err == nil
}
