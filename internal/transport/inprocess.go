package transport

import "sync"

// InProcessCluster wires up size in-process Transport peers over Go
// channels rather than real sockets, for single-process test runs and for
// S6-style two-node scenario tests that would otherwise need real TCP
// ports.
type InProcessCluster struct {
	peers []*inProcessTransport
}

// NewInProcessCluster builds a cluster of size peers; index 0 is the
// master.
func NewInProcessCluster(size int) *InProcessCluster {
	c := &InProcessCluster{peers: make([]*inProcessTransport, size)}
	acceptCh := make(chan *inProcessSession, size)
	for i := 0; i < size; i++ {
		c.peers[i] = &inProcessTransport{rank: i, size: size, acceptCh: acceptCh}
	}
	return c
}

// Peer returns the Transport for the given rank.
func (c *InProcessCluster) Peer(rank int) Transport { return c.peers[rank] }

type inProcessTransport struct {
	rank     int
	size     int
	acceptCh chan *inProcessSession
	once     sync.Once
	toMaster *inProcessSession
}

func (t *inProcessTransport) Rank() int { return t.rank }
func (t *inProcessTransport) Size() int { return t.size }

func (t *inProcessTransport) dial() *inProcessSession {
	t.once.Do(func() {
		toMaster := make(chan int32, 1)
		toWorker := make(chan int32, 1)
		client := &inProcessSession{source: t.rank, send: toMaster, recv: toWorker}
		server := &inProcessSession{source: t.rank, send: toWorker, recv: toMaster}
		t.toMaster = client
		t.acceptCh <- server
	})
	return t.toMaster
}

func (t *inProcessTransport) SendToMaster(v int32) error { return t.dial().Send(v) }
func (t *inProcessTransport) RecvFromMaster() (int32, error) { return t.dial().Recv() }

func (t *inProcessTransport) Accept() (Session, error) {
	return <-t.acceptCh, nil
}

func (t *inProcessTransport) Close() error { return nil }

type inProcessSession struct {
	source int
	send   chan int32
	recv   chan int32
}

func (s *inProcessSession) Source() int { return s.source }
func (s *inProcessSession) Send(v int32) error {
	s.send <- v
	return nil
}
func (s *inProcessSession) Recv() (int32, error) { return <-s.recv, nil }
func (s *inProcessSession) Close() error         { return nil }
