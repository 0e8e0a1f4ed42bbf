//go:build linux

package tcpconn

import (
	"net"
	"testing"
	"time"

	"github.com/reactorcore/tcpreactor/buffer"
	"github.com/reactorcore/tcpreactor/loop"
	"github.com/reactorcore/tcpreactor/netaddr"
	"github.com/reactorcore/tcpreactor/rlog"
	"github.com/reactorcore/tcpreactor/rsocket"
)

// startLoopWithConn accepts one connection on a freshly listening socket,
// wires a TcpConnection around it, and hands both back to the caller along
// with the client's net.Conn. The EventLoop runs on its own goroutine for
// the duration of the test.
func startLoopWithConn(t *testing.T) (el *loop.EventLoop, conn *TcpConnection, client net.Conn, stop func()) {
	t.Helper()

	listenSock, err := rsocket.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	bindAddr, _ := netaddr.New("127.0.0.1", 0)
	if err := listenSock.SetReuseAddr(true); err != nil {
		t.Fatal(err)
	}
	if err := listenSock.Bind(bindAddr); err != nil {
		t.Fatal(err)
	}
	if err := listenSock.Listen(16); err != nil {
		t.Fatal(err)
	}
	localAddr, err := listenSock.LocalAddr()
	if err != nil {
		t.Fatal(err)
	}

	ready := make(chan struct{})
	connCh := make(chan *TcpConnection, 1)
	done := make(chan struct{})

	go func() {
		var runErr error
		el, runErr = loop.New(rlog.NopLogger{})
		if runErr != nil {
			t.Error(runErr)
			close(ready)
			close(done)
			return
		}
		close(ready)
		el.Run()
		el.Close()
		close(done)
	}()
	<-ready

	client, err = net.Dial("tcp", localAddr.String())
	if err != nil {
		t.Fatal(err)
	}

	el.RunInLoop(func() {
		peerSock, peer, acceptErr := listenSock.Accept()
		if acceptErr != nil {
			t.Error(acceptErr)
			return
		}
		c := New(el, "test-conn", peerSock, localAddr, peer, rlog.NopLogger{})
		c.ConnectEstablished()
		connCh <- c
	})

	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never established")
	}

	stop = func() {
		listenSock.Close()
		el.Quit()
		<-done
	}
	return el, conn, client, stop
}

func TestConnectEstablishedInvokesCallbackAndEnablesReading(t *testing.T) {
	el, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	if !conn.IsConnected() {
		t.Fatal("expected IsConnected() true after ConnectEstablished")
	}
	_ = el
}

func TestEchoRoundTrip(t *testing.T) {
	_, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	conn.MessageCb = func(c *TcpConnection, in *buffer.Buffer, _ time.Time) {
		s := in.RetrieveAllString()
		c.SendString(s)
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Fatalf("echoed %q, want %q", got, "ping")
	}
}

func TestHandleCloseFiresCallbacksOnce(t *testing.T) {
	el, conn, client, stop := startLoopWithConn(t)
	defer stop()

	closed := make(chan struct{}, 1)
	conn.CloseCb = func(c *TcpConnection) {
		closed <- struct{}{}
	}

	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}

	done := make(chan struct{})
	el.RunInLoop(func() {
		if conn.IsConnected() {
			t.Error("expected connection to be disconnected after peer close")
		}
		close(done)
	})
	<-done

	select {
	case <-closed:
		t.Fatal("close callback fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendFromOtherGoroutineIsCopiedAndDelivered(t *testing.T) {
	_, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	payload := []byte("hello")
	conn.Send(payload)
	// Mutating the caller's slice after Send must not affect what's sent,
	// since a cross-thread Send copies before queuing.
	for i := range payload {
		payload[i] = 'x'
	}

	buf := make([]byte, 64)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "hello" {
		t.Fatalf("received %q, want %q", got, "hello")
	}
}

func TestShutdownHalfClosesAfterDrain(t *testing.T) {
	el, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	done := make(chan struct{})
	el.RunInLoop(func() {
		conn.Shutdown()
		close(done)
	})
	<-done

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("expected EOF on shutdown write, got n=%d err=%v", n, err)
	}
}

func TestHighWaterMarkCallbackFiresOnceOnCrossing(t *testing.T) {
	_, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	conn.SetHighWaterMark(4096)

	hwm := make(chan int, 8)
	conn.HighWaterMarkCb = func(c *TcpConnection, outstandingBytes int) {
		hwm <- outstandingBytes
	}

	// The client never reads, so once the kernel send buffer fills these
	// writes pile up in outputBuffer and cross the 4096-byte threshold.
	// Loopback socket buffers can take a few MiB, so 8 MiB is sent in total.
	chunk := make([]byte, 64*1024)
	for i := 0; i < 128; i++ {
		conn.Send(chunk)
	}

	select {
	case n := <-hwm:
		if n < 4096 {
			t.Fatalf("high water mark callback fired with outstandingBytes=%d, want >= 4096", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("high water mark callback never fired")
	}

	// The output buffer never drains back under the mark, so there is no
	// second crossing and no second callback.
	select {
	case n := <-hwm:
		t.Fatalf("high water mark callback fired again with outstandingBytes=%d", n)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWriteCompleteCallbackFiresAfterBufferedDataDrains(t *testing.T) {
	_, conn, client, stop := startLoopWithConn(t)
	defer stop()
	defer client.Close()

	writeComplete := make(chan struct{}, 1)
	conn.WriteCompleteCb = func(c *TcpConnection) {
		writeComplete <- struct{}{}
	}

	// Large enough, and with the client not draining immediately, to force
	// the initial direct write to fall short and leave a residue in
	// outputBuffer: the drain happens across several handleWrite events.
	// Loopback socket buffers can take a few MiB, so the payload is 8 MiB.
	payload := make([]byte, 8*1024*1024)
	conn.Send(payload)

	go func() {
		time.Sleep(100 * time.Millisecond)
		buf := make([]byte, 32*1024)
		for {
			client.SetReadDeadline(time.Now().Add(3 * time.Second))
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	select {
	case <-writeComplete:
	case <-time.After(3 * time.Second):
		t.Fatal("write complete callback never fired")
	}
}
