package comm_test

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/qcoherence/qubitlab/comm"
)

// tcpEchoServer listens on a free loopback port and echoes every connection
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func echoPool(t *testing.T, size int, timeout time.Duration) (*comm.Pool, *int) {
	addr := tcpEchoServer(t)
	made := 0
	maker := func() (io.ReadWriteCloser, error) {
		made++
		return net.Dial("tcp", addr)
	}
	return comm.NewPool(size, timeout, maker), &made
}

func TestPoolFillsToCapacity(t *testing.T) {
	pool, made := echoPool(t, 3, time.Second)
	defer pool.Close()
	for i := 0; i < 3; i++ {
		if _, err := pool.Get(); err != nil {
			t.Fatal("could not get connection:", err)
		}
	}
	if pool.Active() != 3 || *made != 3 {
		t.Errorf("expected 3 active and 3 made connections, got %d and %d", pool.Active(), *made)
	}
}

func TestPoolReusesReturnedConnections(t *testing.T) {
	pool, made := echoPool(t, 3, time.Second)
	defer pool.Close()
	for i := 0; i < 5; i++ {
		conn, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		pool.Put(conn)
	}
	if *made != 1 {
		t.Errorf("sequential use should make one connection, made %d", *made)
	}
	if pool.Size() != 1 || pool.Active() != 0 {
		t.Errorf("expected one idle connection, size %d active %d", pool.Size(), pool.Active())
	}
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	pool, _ := echoPool(t, 3, 10*time.Millisecond)
	defer pool.Close()
	conn, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)
	time.Sleep(100 * time.Millisecond)
	if pool.Size() != 0 {
		t.Errorf("idle connections should be closed after the timeout, size is %d", pool.Size())
	}
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	pool, _ := echoPool(t, 2, time.Second)
	defer pool.Close()
	var held []io.ReadWriter
	for i := 0; i < 2; i++ {
		rw, err := pool.Get()
		if err != nil {
			t.Fatal(err)
		}
		held = append(held, rw)
	}
	got := make(chan io.ReadWriter, 1)
	go func() {
		rw, _ := pool.Get()
		got <- rw
	}()
	select {
	case <-got:
		t.Fatal("pool handed out more connections than its size")
	case <-time.After(50 * time.Millisecond):
	}
	pool.ReturnWithError(held[0], io.ErrUnexpectedEOF)
	select {
	case rw := <-got:
		pool.Put(rw)
	case <-time.After(time.Second):
		t.Fatal("destroying a connection did not free a slot")
	}
}

func TestPoolClosed(t *testing.T) {
	pool, _ := echoPool(t, 1, time.Second)
	pool.Close()
	if _, err := pool.Get(); err != comm.ErrPoolClosed {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestTerminatorFraming(t *testing.T) {
	var wire bytes.Buffer
	term := comm.NewTerminator(&wire, '\n', '\n')
	n, err := term.Write([]byte("*IDN?"))
	if err != nil || n != 5 {
		t.Fatalf("write returned %d, %v", n, err)
	}
	if wire.String() != "*IDN?\n" {
		t.Errorf("expected a newline terminated command, got %q", wire.String())
	}

	term = comm.NewTerminator(bytes.NewBufferString("1.5E9\n+0\n"), '\n', '\n')
	buf := make([]byte, 64)
	for _, want := range []string{"1.5E9", "+0"} {
		n, err := term.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if string(buf[:n]) != want {
			t.Errorf("expected %q, got %q", want, buf[:n])
		}
	}

	term = comm.NewTerminator(bytes.NewBufferString("partial"), '\n', '\n')
	if _, err := term.Read(buf); err != comm.ErrTerminatorNotFound {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
}

func TestTimeoutExpires(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		// accept and never answer
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			bufio.NewReader(conn).ReadString('\n')
		}
	}()
	conn, err := comm.BackingOffTCPConnMaker(ln.Addr().String(), time.Second)()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	rw := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), 20*time.Millisecond)
	_, err = rw.Read(make([]byte, 8))
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("expected a timeout, got %v", err)
	}
	if plain := comm.NewTimeout(&bytes.Buffer{}, time.Second); plain == nil {
		t.Error("a connection without deadlines should be returned unwrapped")
	}
}
