package server

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// worker owns one UDP socket, listening on its own port, and tracks how
// many live connections it currently serves so the dispatcher can place
// new connections on the least-loaded worker.
type worker struct {
	conn  *net.UDPConn
	port  int
	mu    sync.Mutex
	count int
}

// Dispatcher is the port-farm of N worker UDP sockets spec.md §4.7
// implies by "connections are spread across worker sockets"; it is a
// generalization of the teacher's PortPool (lib/portpool.go), which
// handed out TCP local port numbers from a shuffled ring. Here the pool
// hands out whole UDP sockets instead of bare port numbers, and
// allocation picks the least-populated worker rather than a random free
// slot, since Sphynx cares about balancing connection load, not merely
// avoiding port reuse collisions.
type Dispatcher struct {
	workers []*worker
	log     *logrus.Entry
}

// NewDispatcher opens n UDP sockets on host, each bound to an
// OS-assigned port unless basePort is nonzero, in which case ports are
// taken sequentially from basePort. network is "udp4" or "udp" (the
// latter dual-stack capable, per cfg.EnableIPv6 — see NetworkFor) and
// recvBufBytes, when positive, sets SO_RCVBUF on every worker socket
// (§6 "kernel receive-buffer bytes").
func NewDispatcher(host string, n int, basePort int, network string, recvBufBytes int, log *logrus.Entry) (*Dispatcher, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dispatcher: worker count must be positive, got %d", n)
	}
	d := &Dispatcher{log: log}
	lc := net.ListenConfig{Control: workerSockControl(recvBufBytes)}
	for i := 0; i < n; i++ {
		port := 0
		if basePort != 0 {
			port = basePort + i
		}
		addr := fmt.Sprintf("%s:%d", host, port)
		pc, err := lc.ListenPacket(context.Background(), network, addr)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("dispatcher: worker %d: %w", i, err)
		}
		conn := pc.(*net.UDPConn)
		d.workers = append(d.workers, &worker{
			conn: conn,
			port: conn.LocalAddr().(*net.UDPAddr).Port,
		})
	}
	return d, nil
}

// workerSockControl sets SO_REUSEPORT on a listening socket before
// bind, and SO_RCVBUF when recvBufBytes is positive. NewDispatcher
// still binds every worker to its own distinct port, since the port in
// S2C_ANSWER is what directs a client to one particular worker.
func workerSockControl(recvBufBytes int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
				return
			}
			if recvBufBytes > 0 {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufBytes)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}

// Close shuts down every worker socket.
func (d *Dispatcher) Close() {
	for _, w := range d.workers {
		_ = w.conn.Close()
	}
}

// Workers returns the live worker sockets, for the server's read loops.
func (d *Dispatcher) Workers() []*net.UDPConn {
	out := make([]*net.UDPConn, len(d.workers))
	for i, w := range d.workers {
		out[i] = w.conn
	}
	return out
}

// Assign picks the least-populated worker for a new session and
// returns its bound port and socket, incrementing its load count.
// Ties are broken randomly so a burst of simultaneous handshakes
// doesn't pile onto worker 0.
func (d *Dispatcher) Assign() (port int, conn *net.UDPConn) {
	order := rand.Perm(len(d.workers))
	var best *worker
	bestCount := -1
	for _, i := range order {
		w := d.workers[i]
		w.mu.Lock()
		c := w.count
		w.mu.Unlock()
		if bestCount == -1 || c < bestCount {
			bestCount = c
			best = w
		}
	}
	best.mu.Lock()
	best.count++
	best.mu.Unlock()
	return best.port, best.conn
}

// Release decrements the load count of the worker bound to port, once
// its session ends.
func (d *Dispatcher) Release(port int) {
	for _, w := range d.workers {
		if w.port == port {
			w.mu.Lock()
			if w.count > 0 {
				w.count--
			}
			w.mu.Unlock()
			return
		}
	}
}
