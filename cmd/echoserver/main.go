//go:build linux

// Command echoserver is a minimal demonstration of the reactor: it listens
// on 127.0.0.1:9981 and echoes every byte it receives back to the sender,
// exercising the S1 scenario the rest of this module is tested against.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reactorcore/tcpreactor/buffer"
	"github.com/reactorcore/tcpreactor/loop"
	"github.com/reactorcore/tcpreactor/netaddr"
	"github.com/reactorcore/tcpreactor/rlog"
	"github.com/reactorcore/tcpreactor/tcpconn"
	"github.com/reactorcore/tcpreactor/tcpserver"
)

func main() {
	host := flag.String("host", "127.0.0.1", "listen address")
	port := flag.Uint("port", 9981, "listen port")
	threads := flag.Int("threads", 2, "I/O thread pool size")
	reusePort := flag.Bool("reuseport", false, "set SO_REUSEPORT")
	flag.Parse()

	log := rlog.Default

	el, err := loop.New(log)
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}

	addr, err := netaddr.New(*host, uint16(*port))
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}

	srv, err := tcpserver.New(el, addr, "echoserver", tcpserver.WithReusePort(*reusePort))
	if err != nil {
		log.Fatalf("echoserver: %v", err)
	}
	srv.SetThreadNum(*threads)

	srv.ConnectionCb = func(c *tcpconn.TcpConnection) {
		if c.IsConnected() {
			log.Debugf("echoserver: %s UP from %s", c.Name(), c.PeerAddr())
		} else {
			log.Debugf("echoserver: %s DOWN", c.Name())
		}
	}
	srv.MessageCb = func(c *tcpconn.TcpConnection, in *buffer.Buffer, _ time.Time) {
		c.Send(append([]byte(nil), in.Peek()...))
		in.RetrieveAll()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("echoserver: %v", err)
	}
	log.Debugf("echoserver: listening on %s with %d I/O threads", addr, *threads)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		el.Quit()
	}()

	el.Run()
	el.Close()
}
