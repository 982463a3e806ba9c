package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/straycat/straycat/pkg/protocol"
	"github.com/straycat/straycat/pkg/websock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestNewTransportDetectsRaw(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		protocol.Encode(client, protocol.NewPing())
	}()

	transport, err := NewTransport(server)
	require.NoError(t, err)
	_, ok := transport.(*rawTransport)
	assert.True(t, ok)

	pkt, err := transport.NextPacket()
	require.NoError(t, err)
	assert.EqualValues(t, protocol.TypePing, pkt.Type)
}

func TestRawTransportRoundTrip(t *testing.T) {
	client, server := pipeConns(t)

	transport := &rawTransport{conn: server, br: bufio.NewReader(server)}

	go func() {
		protocol.Encode(client, protocol.New(protocol.TypeSendMessage, true, map[string]any{"content": "hi"}))
	}()

	pkt, err := transport.NextPacket()
	require.NoError(t, err)
	assert.EqualValues(t, protocol.TypeSendMessage, pkt.Type)
	assert.Equal(t, "hi", pkt.Data()["content"])

	received := make(chan *protocol.Packet, 1)
	go func() {
		p, _ := protocol.Decode(bufio.NewReader(client))
		received <- p
	}()

	require.NoError(t, transport.SendPacket(protocol.NewPing()))
	select {
	case p := <-received:
		assert.EqualValues(t, protocol.TypePing, p.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestWebSocketTransport(t *testing.T) {
	client, server := pipeConns(t)

	// Client side performs the upgrade and speaks masked text frames.
	done := make(chan struct{})
	go func() {
		defer close(done)

		request := "GET /chat HTTP/1.1\r\n" +
			"Host: test\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
		client.Write([]byte(request))

		// Consume the 101 response.
		br := bufio.NewReader(client)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}

		pkt := protocol.New(protocol.TypeGetActiveUserCount, true, nil)
		payload, _ := pkt.EncodeJSON()
		websock.TextMessage(client, payload)

		// Read one reply frame back.
		_, reply, err := websock.ReadMessage(br, client)
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeJSON(reply)
		if err == nil && decoded.Type == protocol.TypePing {
			return
		}
	}()

	transport, err := NewTransport(server)
	require.NoError(t, err)
	_, ok := transport.(*wsTransport)
	require.True(t, ok)

	pkt, err := transport.NextPacket()
	require.NoError(t, err)
	assert.EqualValues(t, protocol.TypeGetActiveUserCount, pkt.Type)
	assert.True(t, pkt.IsFinal)

	require.NoError(t, transport.SendPacket(protocol.NewPing()))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("websocket client did not finish")
	}
}

// Closing the transport must release the reader goroutine even when the
// inbound queue is full and nothing is draining it anymore.
func TestWebSocketTransportCloseUnblocksReader(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		request := "GET / HTTP/1.1\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
		client.Write([]byte(request))

		br := bufio.NewReader(client)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}

		// Flood well past the queue capacity; the write fails once the
		// server side is closed, which ends the flood.
		payload, _ := protocol.NewPing().EncodeJSON()
		for i := 0; i < 64; i++ {
			if err := websock.TextMessage(client, payload); err != nil {
				return
			}
		}
	}()

	transport, err := NewTransport(server)
	require.NoError(t, err)

	// Give the reader time to fill its queue and block on the next send.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, transport.Close())

	// With the reader released, the queue drains to a terminal error
	// instead of blocking forever on a goroutine that never exits.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := transport.NextPacket(); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader goroutine still blocked after close")
	}
}

func TestWebSocketTransportPeerClose(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		request := "GET / HTTP/1.1\r\n" +
			"Upgrade: websocket\r\n" +
			"Connection: Upgrade\r\n" +
			"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
		client.Write([]byte(request))

		br := bufio.NewReader(client)
		for {
			line, err := br.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		websock.WriteFrame(client, websock.OpClose, nil, nil)
	}()

	transport, err := NewTransport(server)
	require.NoError(t, err)

	_, err = transport.NextPacket()
	assert.Error(t, err)
}
