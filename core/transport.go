package core

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxBlobBytes bounds a single framed blob transfer.
const maxBlobBytes = 64 << 20

// Transport provides line-oriented reads and writes with per-call timeouts
// over a peer connection, plus the framed blob transfer primitives. Writes
// can be nagle-delayed for multi-part responses or nagle-disabled for
// single-line replies. The session owns the transport exclusively.
type Transport struct {
	conn net.Conn
	tcp  *net.TCPConn
	rd   *bufio.Reader

	secure   bool
	timedOut bool
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	t := &Transport{conn: conn, rd: bufio.NewReader(conn)}
	if tcp, ok := conn.(*net.TCPConn); ok {
		t.tcp = tcp
	}
	return t
}

// RemoteIP returns the remote address without the port.
func (t *Transport) RemoteIP() string {
	addr := t.conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// HadTimeout reports whether the most recent failed operation timed out
// (as opposed to the peer having closed the connection).
func (t *Transport) HadTimeout() bool { return t.timedOut }

// IsSecure reports whether the connection has been upgraded to TLS.
func (t *Transport) IsSecure() bool { return t.secure }

// Close shuts the connection down.
func (t *Transport) Close() error { return t.conn.Close() }

// SetDelay re-enables nagle buffering ahead of a multi-part response.
func (t *Transport) SetDelay() error {
	if t.tcp == nil {
		return nil
	}
	return t.tcp.SetNoDelay(false)
}

// SetNoDelay disables nagle buffering ahead of a single-line reply.
func (t *Transport) SetNoDelay() error {
	if t.tcp == nil {
		return nil
	}
	return t.tcp.SetNoDelay(true)
}

func (t *Transport) classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.timedOut = true
		return ErrTimeout
	}
	t.timedOut = false
	return ErrPeerClosed
}

// ReadLine reads one newline-terminated line within the timeout. Lines
// longer than maxLen bytes (when positive) are treated as a dead peer.
func (t *Transport) ReadLine(timeout time.Duration, maxLen int) (string, error) {
	t.timedOut = false
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", t.classify(err)
	}
	var sb strings.Builder
	for {
		b, err := t.rd.ReadByte()
		if err != nil {
			return "", t.classify(err)
		}
		if b == '\n' {
			break
		}
		if b == '\r' {
			continue
		}
		sb.WriteByte(b)
		if maxLen > 0 && sb.Len() > maxLen {
			t.conn.Close()
			t.timedOut = false
			return "", ErrPeerClosed
		}
	}
	return sb.String(), nil
}

// WriteLine writes a newline-terminated line within the timeout.
func (t *Transport) WriteLine(line string, timeout time.Duration) error {
	t.timedOut = false
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return t.classify(err)
	}
	if _, err := io.WriteString(t.conn, line+"\n"); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *Transport) readBlob(timeout time.Duration) ([]byte, error) {
	sizeLine, err := t.ReadLine(timeout, 32)
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseInt(sizeLine, 10, 64)
	if err != nil || size < 0 || size > maxBlobBytes {
		return nil, fmt.Errorf("invalid file size %q", sizeLine)
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, t.classify(err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(t.rd, data); err != nil {
		return nil, t.classify(err)
	}
	return data, nil
}

func (t *Transport) writeBlob(data []byte, timeout time.Duration) error {
	if err := t.WriteLine(strconv.Itoa(len(data)), timeout); err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return t.classify(err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return t.classify(err)
	}
	return nil
}

// StoreFile receives a framed blob and commits it to the store, verifying
// that the content hashes to the announced value.
func (t *Transport) StoreFile(store FileStore, hash string) error {
	data, err := t.readBlob(requestTimeout)
	if err != nil {
		return err
	}
	if hashBytes(data) != hash {
		return ErrHashMismatch
	}
	_, err = store.CreateRawFile(data)
	return err
}

// StoreTempFile receives a framed blob into an arbitrary temp path without
// committing it to the store.
func (t *Transport) StoreTempFile(path string) error {
	data, err := t.readBlob(requestTimeout)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// FetchFile sends the named stored content as a framed blob.
func (t *Transport) FetchFile(store FileStore, hash string) error {
	data, err := store.ExtractFile(hash)
	if err != nil {
		return err
	}
	return t.writeBlob(data, requestTimeout)
}

// FetchTempFile sends the content of an arbitrary temp file as a framed blob.
func (t *Transport) FetchTempFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return t.writeBlob(data, requestTimeout)
}

// UpgradeResponderTLS performs the server side of a TLS upgrade in place.
func (t *Transport) UpgradeResponderTLS(cfg *tls.Config) error {
	return t.upgradeTLS(cfg, true)
}

// UpgradeInitiatorTLS performs the client side of a TLS upgrade in place.
func (t *Transport) UpgradeInitiatorTLS(cfg *tls.Config) error {
	return t.upgradeTLS(cfg, false)
}

func (t *Transport) upgradeTLS(cfg *tls.Config, server bool) error {
	if t.secure {
		return errors.New("TLS is already active")
	}
	if cfg == nil {
		return errors.New("TLS has not been initialised")
	}
	ctx, cancel := context.WithTimeout(context.Background(), greetingTimeout)
	defer cancel()
	var tlsConn *tls.Conn
	if server {
		tlsConn = tls.Server(t.conn, cfg)
	} else {
		tlsConn = tls.Client(t.conn, cfg)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	t.conn = tlsConn
	t.rd = bufio.NewReader(tlsConn)
	t.secure = true
	return nil
}
