package wire

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// websocketGUID is the fixed GUID from RFC 6455 used to derive the
// Sec-WebSocket-Accept value.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// AcceptKey computes the Sec-WebSocket-Accept value for a client key:
// base64(SHA-1(key + GUID)).
func AcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Handshake reads an HTTP upgrade request from r and writes the
// 101 Switching Protocols response to w. After it returns successfully,
// every byte on the connection is framed. Any bytes the client sent after
// the request are left unread in the bufio.Reader for the frame loop.
func Handshake(r *bufio.Reader, w io.Writer) error {
	req, err := http.ReadRequest(r)
	if err != nil {
		return fmt.Errorf("wire: reading handshake request: %w", err)
	}

	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("wire: not a websocket upgrade request (Upgrade: %q)", req.Header.Get("Upgrade"))
	}

	clientKey := req.Header.Get("Sec-WebSocket-Key")
	if clientKey == "" {
		return fmt.Errorf("wire: missing Sec-WebSocket-Key header")
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(clientKey) + "\r\n" +
		"\r\n"

	if _, err := io.WriteString(w, response); err != nil {
		return fmt.Errorf("wire: writing handshake response: %w", err)
	}
	return nil
}
