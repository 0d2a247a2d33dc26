package alertserver

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	s := NewServer("127.0.0.1:0", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				errc <- nil
				return
			}
			go s.serveConn(ctx, conn)
		}
	}()

	return s, func() {
		cancel()
		ln.Close()
	}
}

func TestServerSubscribeAndReceiveAlert(t *testing.T) {
	s, stop := startTestServer(t)
	defer stop()

	s.Add(1, "q.trig")

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.Write([]byte("subscribe\tq.trig\n"))

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if got := line[:len(line)-1]; got != msgSubscribeOK {
		t.Fatalf("expected %q, got %q", msgSubscribeOK, got)
	}

	// Give the subscribe handler time to register the client before
	// pushing, since registration happens in the accept goroutine.
	deadline := time.Now().Add(time.Second)
	for len(s.reg.clientsFor(1)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered as subscriber")
		}
		time.Sleep(time.Millisecond)
	}

	s.Push(1, "42")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read alert: %v", err)
	}
	if got := line[:len(line)-1]; got != "alert\t42" {
		t.Fatalf("expected alert frame, got %q", got)
	}
}

func TestServerSubscribeUnknownNameFails(t *testing.T) {
	s, stop := startTestServer(t)
	defer stop()

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.Write([]byte("subscribe\tnope\n"))

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}
	if got := line[:len(line)-1]; got != msgSubscribeFail {
		t.Fatalf("expected %q, got %q", msgSubscribeFail, got)
	}
}

func TestServerRemoveNotifiesClients(t *testing.T) {
	s, stop := startTestServer(t)
	defer stop()

	s.Add(2, "q.trig2")

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	conn.Write([]byte("subscribe\tq.trig2\n"))
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read subscribe response: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for len(s.reg.clientsFor(2)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered as subscriber")
		}
		time.Sleep(time.Millisecond)
	}

	s.Remove(2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read dropped notice: %v", err)
	}
	if got := line[:len(line)-1]; got != msgDropped {
		t.Fatalf("expected %q, got %q", msgDropped, got)
	}
}
