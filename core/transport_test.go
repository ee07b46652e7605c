package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTransportLineRoundTrip(t *testing.T) {
	a, b := tcpPair(t)
	ta := NewTransport(a)
	tb := NewTransport(b)

	if err := ta.WriteLine("chk abc123", time.Second); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := tb.ReadLine(time.Second, maxLineLength)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "chk abc123" {
		t.Fatalf("unexpected line %q", line)
	}
}

func TestTransportReadTimeout(t *testing.T) {
	a, b := tcpPair(t)
	_ = a
	tb := NewTransport(b)

	_, err := tb.ReadLine(50*time.Millisecond, maxLineLength)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !tb.HadTimeout() {
		t.Fatal("expected HadTimeout to report true")
	}
}

func TestTransportPeerClosed(t *testing.T) {
	a, b := tcpPair(t)
	tb := NewTransport(b)

	a.Close()
	_, err := tb.ReadLine(time.Second, maxLineLength)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if tb.HadTimeout() {
		t.Fatal("peer close must not be classified as a timeout")
	}
}

func TestTransportMaxLineLength(t *testing.T) {
	a, b := tcpPair(t)
	tb := NewTransport(b)

	go a.Write([]byte(strings.Repeat("x", maxLineLength+100) + "\n"))

	_, err := tb.ReadLine(time.Second, maxLineLength)
	if !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed for an oversized line, got %v", err)
	}
}

func TestTransportBlobTransfer(t *testing.T) {
	a, b := tcpPair(t)
	ta := NewTransport(a)
	tb := NewTransport(b)

	store, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	recv, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	data := append([]byte{fileTypeBlob}, "some blob content"...)
	hash := mustStore(t, store, data)

	done := make(chan error, 1)
	go func() { done <- ta.FetchFile(store, hash) }()

	if err := tb.StoreFile(recv, hash); err != nil {
		t.Fatalf("store file: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fetch file: %v", err)
	}

	got, err := recv.ExtractFile(hash)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(got) != string(data) {
		t.Fatal("received bytes differ from the pushed bytes")
	}
}

func TestTransportBlobHashMismatch(t *testing.T) {
	a, b := tcpPair(t)
	tb := NewTransport(b)

	recv, err := NewDiskStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	w := newWire(t, a)
	go w.sendBlob([]byte("tampered content"))

	err = tb.StoreFile(recv, hashBytes([]byte("announced content")))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}
