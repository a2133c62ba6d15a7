package rpc

import (
	"context"
	"log"
	"net"

	"faoutd/internal/reactor"
)

// outQueueCapacity bounds how many encoded replies/events a single
// connection may have queued before it is considered too slow to keep up
// and is dropped, matching the spec's requirement for bounded per-client
// write queues.
const outQueueCapacity = 256

// Listener accepts TCP connections and wires each one's decoded commands
// to a Dispatcher, broadcasting registry events to every connected client.
// All registry/dispatcher interaction happens on the reactor goroutine;
// Listener itself only ever touches its client set there too.
type Listener struct {
	r          *reactor.Reactor
	ln         net.Listener
	dispatcher *Dispatcher
	log        *log.Logger

	clients map[*ClientConn]struct{}
}

// NewListener wraps an already-bound net.Listener (callers are expected to
// have set SO_REUSEADDR via net.ListenConfig.Control before calling Listen,
// matching the original's acceptor.set_option(reuse_address(true))).
func NewListener(r *reactor.Reactor, ln net.Listener, dispatcher *Dispatcher, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		r:          r,
		ln:         ln,
		dispatcher: dispatcher,
		log:        logger,
		clients:    make(map[*ClientConn]struct{}),
	}
}

// Run accepts connections until ctx is done or the listener is closed.
func (l *Listener) Run(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Printf("rpc: accept: %v", err)
			continue
		}
		c := newClientConn(conn, l)
		l.r.Post(func() {
			l.clients[c] = struct{}{}
		})
		c.start()
	}
}

// Close stops accepting and disconnects every client.
func (l *Listener) Close() error {
	err := l.ln.Close()
	l.r.Post(func() {
		for c := range l.clients {
			l.removeClient(c)
		}
	})
	return err
}

func (l *Listener) removeClient(c *ClientConn) {
	if _, ok := l.clients[c]; !ok {
		return
	}
	delete(l.clients, c)
	close(c.sendCh)
	c.conn.Close()
}

// handleClientData is posted to the reactor by a connection's read pump
// for every chunk read off the socket.
func (l *Listener) handleClientData(c *ClientConn, data []byte) {
	if _, ok := l.clients[c]; !ok {
		return
	}
	frames, err := c.dec.Feed(data)
	if err != nil {
		l.log.Printf("rpc: client %s: %v", c.conn.RemoteAddr(), err)
		l.removeClient(c)
		return
	}
	for _, f := range frames {
		var reply []interface{}
		var changed *RegChangedEvent
		if f.Err != nil {
			reply = errorReply(f.Err.Error())
		} else {
			reply, changed = l.dispatcher.Dispatch(f.Msg)
		}
		if changed != nil {
			l.BroadcastRegChanged(changed.Serial, changed.Addr, changed.Port, changed.Value)
		}
		b, err := Encode(reply)
		if err != nil {
			l.log.Printf("rpc: encoding reply: %v", err)
			continue
		}
		c.enqueue(b)
	}
}

// handleClientClosed is posted to the reactor by a connection's read pump
// once its socket read returns an error (including EOF).
func (l *Listener) handleClientClosed(c *ClientConn) {
	l.removeClient(c)
}

// BroadcastAdded notifies every connected client a device arrived.
func (l *Listener) BroadcastAdded(serial, name string) {
	l.broadcast([]interface{}{EventAdded, serial, name})
}

// BroadcastRemoved notifies every connected client a device departed.
func (l *Listener) BroadcastRemoved(serial string) {
	l.broadcast([]interface{}{EventRemoved, serial})
}

// BroadcastRegChanged notifies every connected client a tracked register
// changed value, whether detected by the periodic poll or by another
// client's readreg.
func (l *Listener) BroadcastRegChanged(serial string, addr, port uint8, value uint16) {
	l.broadcast([]interface{}{EventRegChanged, serial, addr, port, value})
}

func (l *Listener) broadcast(event []interface{}) {
	b, err := Encode(event)
	if err != nil {
		l.log.Printf("rpc: encoding event: %v", err)
		return
	}
	for c := range l.clients {
		c.enqueue(b)
	}
}

// ClientConn owns one accepted connection: a read pump blocking on
// conn.Read, and a write pump draining a bounded, FIFO channel of already-
// encoded messages. The channel itself provides the FIFO ordering and
// backpressure the original tracked by hand with a deque and a byte
// offset into its front element.
type ClientConn struct {
	conn   net.Conn
	l      *Listener
	dec    *Decoder
	sendCh chan []byte
}

func newClientConn(conn net.Conn, l *Listener) *ClientConn {
	return &ClientConn{
		conn:   conn,
		l:      l,
		dec:    NewDecoder(),
		sendCh: make(chan []byte, outQueueCapacity),
	}
}

func (c *ClientConn) start() {
	go c.readPump()
	go c.writePump()
}

func (c *ClientConn) readPump() {
	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.l.r.Post(func() {
				c.l.handleClientData(c, data)
			})
		}
		if err != nil {
			c.l.r.Post(func() {
				c.l.handleClientClosed(c)
			})
			return
		}
	}
}

func (c *ClientConn) writePump() {
	for b := range c.sendCh {
		if _, err := c.conn.Write(b); err != nil {
			return
		}
	}
}

// enqueue appends b to the connection's outgoing queue. Must be called
// only from the reactor goroutine. A full queue means the client isn't
// draining fast enough; it is dropped rather than allowed to back up
// memory without bound.
func (c *ClientConn) enqueue(b []byte) {
	if _, ok := c.l.clients[c]; !ok {
		return
	}
	select {
	case c.sendCh <- b:
	default:
		c.l.removeClient(c)
	}
}
