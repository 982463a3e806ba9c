package server

import (
	"bufio"
	"io"
	"net"
	"sync"

	"github.com/straycat/straycat/pkg/protocol"
	"github.com/straycat/straycat/pkg/websock"
)

// PacketTransport carries packets over one client connection. Both
// implementations present the same blocking pull/push contract so the
// session loop never knows which wire shape it is driving.
type PacketTransport interface {
	// NextPacket blocks until the next packet arrives. Returns io.EOF
	// when the peer has gone away.
	NextPacket() (*protocol.Packet, error)
	// SendPacket writes one packet. Safe for concurrent use.
	SendPacket(*protocol.Packet) error
	Close() error
	RemoteAddr() net.Addr
}

// NewTransport probes a freshly accepted connection and returns the
// matching transport: a WebSocket client opens with an HTTP GET, anything
// else is treated as the raw binary protocol.
func NewTransport(conn net.Conn) (PacketTransport, error) {
	br := bufio.NewReader(conn)

	isWS, err := websock.Detect(br)
	if err != nil {
		return nil, err
	}
	if !isWS {
		return &rawTransport{conn: conn, br: br}, nil
	}

	if err := websock.Upgrade(br, conn); err != nil {
		return nil, err
	}
	return newWSTransport(conn, br), nil
}

// rawTransport frames packets directly with the binary codec.
type rawTransport struct {
	conn net.Conn
	br   *bufio.Reader

	writeMu sync.Mutex
}

func (t *rawTransport) NextPacket() (*protocol.Packet, error) {
	return protocol.Decode(t.br)
}

func (t *rawTransport) SendPacket(p *protocol.Packet) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return protocol.Encode(t.conn, p)
}

func (t *rawTransport) Close() error         { return t.conn.Close() }
func (t *rawTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// wsTransport carries each packet as one WebSocket text message holding the
// packet's JSON payload with type/isFinal injected. A reader goroutine
// queues inbound packets so NextPacket can block cooperatively.
type wsTransport struct {
	conn net.Conn

	writeMu sync.Mutex

	inbound chan *protocol.Packet
	readErr error // set before inbound is closed

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn net.Conn, br *bufio.Reader) *wsTransport {
	t := &wsTransport{
		conn:    conn,
		inbound: make(chan *protocol.Packet, 16),
		done:    make(chan struct{}),
	}
	go t.readLoop(br)
	return t
}

func (t *wsTransport) readLoop(br *bufio.Reader) {
	defer close(t.inbound)
	for {
		_, payload, err := websock.ReadMessage(br, lockedWriter{t})
		if err != nil {
			t.readErr = err
			return
		}

		pkt, err := protocol.DecodeJSON(payload)
		if err != nil {
			t.readErr = err
			return
		}
		// A closed transport must release the reader even when nobody
		// is draining the queue anymore.
		select {
		case t.inbound <- pkt:
		case <-t.done:
			return
		}
	}
}

func (t *wsTransport) NextPacket() (*protocol.Packet, error) {
	pkt, ok := <-t.inbound
	if !ok {
		if t.readErr != nil {
			return nil, t.readErr
		}
		return nil, io.EOF
	}
	return pkt, nil
}

func (t *wsTransport) SendPacket(p *protocol.Packet) error {
	payload, err := p.EncodeJSON()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return websock.TextMessage(t.conn, payload)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// lockedWriter lets the frame reader answer pings without racing outbound
// packets on the shared socket.
type lockedWriter struct {
	t *wsTransport
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.t.writeMu.Lock()
	defer w.t.writeMu.Unlock()
	return w.t.conn.Write(p)
}
