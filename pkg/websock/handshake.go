package websock

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// keyGUID is the fixed GUID appended to the client key when computing
// Sec-WebSocket-Accept (RFC 6455 §4.2.2).
const keyGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHeaderSize bounds the upgrade request we are willing to buffer.
const maxHeaderSize = 8 * 1024

var (
	ErrNotUpgrade = errors.New("request is not a websocket upgrade")
	ErrNoKey      = errors.New("upgrade request is missing Sec-WebSocket-Key")
)

// AcceptKey computes the Sec-WebSocket-Accept value for a client key:
// base64(SHA-1(key + GUID)).
func AcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + keyGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Detect peeks at the first bytes of a freshly accepted connection and
// reports whether the client is speaking HTTP (a WebSocket upgrade) rather
// than the raw binary protocol. Nothing is consumed from the reader.
func Detect(br *bufio.Reader) (bool, error) {
	prefix, err := br.Peek(4)
	if err != nil {
		return false, err
	}
	return string(prefix) == "GET ", nil
}

// Upgrade reads the HTTP upgrade request from br (through the trailing blank
// line), validates it and writes the 101 Switching Protocols response to w.
func Upgrade(br *bufio.Reader, w io.Writer) error {
	header, err := readHeader(br)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(header, "GET ") {
		return ErrNotUpgrade
	}

	clientKey := headerValue(header, "Sec-WebSocket-Key")
	if clientKey == "" {
		return ErrNoKey
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(clientKey) + "\r\n\r\n"

	_, err = io.WriteString(w, response)
	return err
}

// readHeader consumes lines up to and including the blank line terminating
// the request headers.
func readHeader(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return "", err
		}
		if line == "\r\n" || line == "\n" {
			return sb.String(), nil
		}
		if sb.Len() > maxHeaderSize {
			return "", fmt.Errorf("upgrade request headers exceed %d bytes", maxHeaderSize)
		}
	}
}

// headerValue extracts a header value from the raw request text,
// case-insensitively on the header name.
func headerValue(header, name string) string {
	for _, line := range strings.Split(header, "\r\n") {
		if idx := strings.Index(line, ":"); idx > 0 {
			if strings.EqualFold(strings.TrimSpace(line[:idx]), name) {
				return strings.TrimSpace(line[idx+1:])
			}
		}
	}
	return ""
}
