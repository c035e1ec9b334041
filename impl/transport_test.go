package impl

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"
)

func listen(t *testing.T) (net.Listener, string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { _ = ln.Close() })

	host, portText, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatal(err)
	}

	return ln, host, port
}

func TestTCPEcho(t *testing.T) {
	ln, host, port := listen(t)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	tr := NewTCP(nil)
	if err := tr.Connect(host, port); err != nil {
		t.Fatal(err)
	}

	defer tr.Stop()

	if !tr.Connected() {
		t.Fatal("expected connected transport")
	}

	msg := []byte("ping")
	if _, err := tr.Write(msg); err != nil {
		t.Fatal(err)
	}

	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.Available() < len(msg) {
		if time.Now().After(deadline) {
			t.Fatalf("echo never arrived, %v bytes available", tr.Available())
		}

		time.Sleep(5 * time.Millisecond)
	}

	got := make([]byte, len(msg))
	n, err := tr.Read(got)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got[:n], msg) {
		t.Fatalf("expected %q, got %q", msg, got[:n])
	}
}

func TestTCPReadNeverBlocks(t *testing.T) {
	ln, host, port := listen(t)

	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			defer func() { _ = conn.Close() }()
			time.Sleep(500 * time.Millisecond)
		}
	}()

	tr := NewTCP(nil)
	if err := tr.Connect(host, port); err != nil {
		t.Fatal(err)
	}

	defer tr.Stop()

	start := time.Now()
	n, err := tr.Read(make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}

	if n != 0 {
		t.Fatalf("expected no data, got %v bytes", n)
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("read blocked for %v", elapsed)
	}
}

func TestTCPPeerClose(t *testing.T) {
	ln, host, port := listen(t)

	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			_ = conn.Close()
		}
	}()

	tr := NewTCP(nil)
	if err := tr.Connect(host, port); err != nil {
		t.Fatal(err)
	}

	defer tr.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for tr.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("transport never noticed the peer closing")
		}

		tr.Available()
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTCPWriteAfterStop(t *testing.T) {
	tr := NewTCP(nil)
	if _, err := tr.Write([]byte("x")); err == nil {
		t.Fatal("expected an error writing without a connection")
	}
}
