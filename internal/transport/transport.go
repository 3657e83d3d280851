// Package transport implements the cluster transport used between the
// driver and the master coordinator: blocking send_i32/recv_i32 between
// nodes, plus a rank/size accessor. Messages carry no tag and are
// matched by connection identity; the source identifies the requester.
//
// Realized as a length-agnostic, fixed-size framed protocol over TCP:
// every message is exactly one big-endian int32, exchanged over a
// connection-oriented master/worker handshake.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// Transport is the cluster transport interface consumed by
// internal/coordinator.
type Transport interface {
	Rank() int
	Size() int
	// SendToMaster/RecvFromMaster address the master (rank 0); workers only
	// ever talk to the master in a plain request/reply shape.
	SendToMaster(v int32) error
	RecvFromMaster() (int32, error)
	// Accept blocks until a worker connects (master-side only) and
	// returns a per-peer session exposing recv (the worker's request) and
	// send (the master's reply), with the peer's identity as source.
	Accept() (Session, error)
	Close() error
}

// Session represents one open connection from a worker to the master, or
// vice versa. Source identifies the remote peer: the master demultiplexes
// by session, not by tag.
type Session interface {
	Source() int
	Recv() (int32, error)
	Send(v int32) error
	Close() error
}

func writeI32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func readI32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

// TCPTransport is a concrete Transport over plain TCP connections. Rank 0
// is always the master: it listens; every other rank dials rank 0's
// address at startup and keeps one long-lived connection open for the
// lifetime of the job.
type TCPTransport struct {
	rank  int
	size  int
	ln    net.Listener // master only
	toMaster net.Conn   // non-master only

	mu       sync.Mutex
	sessions map[int]*tcpSession
}

// NewMaster starts listening at addr for size-1 worker connections.
func NewMaster(addr string, size int) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPTransport{rank: 0, size: size, ln: ln, sessions: make(map[int]*tcpSession)}, nil
}

// NewWorker dials the master at masterAddr and identifies itself with the
// given rank.
func NewWorker(masterAddr string, rank, size int) (*TCPTransport, error) {
	conn, err := net.Dial("tcp", masterAddr)
	if err != nil {
		return nil, err
	}
	if err := writeI32(conn, int32(rank)); err != nil {
		conn.Close()
		return nil, err
	}
	return &TCPTransport{rank: rank, size: size, toMaster: conn}, nil
}

func (t *TCPTransport) Rank() int { return t.rank }
func (t *TCPTransport) Size() int { return t.size }

func (t *TCPTransport) SendToMaster(v int32) error {
	if t.toMaster == nil {
		return fmt.Errorf("transport: SendToMaster called on master rank")
	}
	return writeI32(t.toMaster, v)
}

func (t *TCPTransport) RecvFromMaster() (int32, error) {
	if t.toMaster == nil {
		return 0, fmt.Errorf("transport: RecvFromMaster called on master rank")
	}
	return readI32(t.toMaster)
}

// Accept blocks for the next worker connection, reads its announced rank
// (the identifying handshake int32), and returns a session keyed by that
// rank.
func (t *TCPTransport) Accept() (Session, error) {
	conn, err := t.ln.Accept()
	if err != nil {
		return nil, err
	}
	source, err := readI32(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sess := &tcpSession{conn: conn, source: int(source)}
	t.mu.Lock()
	t.sessions[int(source)] = sess
	t.mu.Unlock()
	return sess, nil
}

func (t *TCPTransport) Close() error {
	if t.ln != nil {
		return t.ln.Close()
	}
	if t.toMaster != nil {
		return t.toMaster.Close()
	}
	return nil
}

type tcpSession struct {
	conn   net.Conn
	source int
}

func (s *tcpSession) Source() int          { return s.source }
func (s *tcpSession) Recv() (int32, error) { return readI32(s.conn) }
func (s *tcpSession) Send(v int32) error   { return writeI32(s.conn, v) }
func (s *tcpSession) Close() error         { return s.conn.Close() }
