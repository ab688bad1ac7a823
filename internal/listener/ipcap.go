package listener

import (
	"net"
	"sync"

	"go.uber.org/zap"
)

// capPerIP wraps ln so that no client IP holds more than max live
// connections. Connections over the cap are closed at accept time;
// other clients keep being served. A max of zero disables the cap.
func capPerIP(ln net.Listener, max int, log *zap.Logger) net.Listener {
	if max <= 0 {
		return ln
	}
	return &ipCapListener{
		Listener: ln,
		max:      max,
		log:      log,
		conns:    make(map[string]int),
	}
}

type ipCapListener struct {
	net.Listener
	max int
	log *zap.Logger

	mu    sync.Mutex
	conns map[string]int
}

func (l *ipCapListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			// No host to key on (unix sockets); pass through uncounted.
			return conn, nil
		}
		l.mu.Lock()
		n := l.conns[host]
		if n >= l.max {
			l.mu.Unlock()
			l.log.Debug("per-ip connection cap hit",
				zap.String("client", host),
				zap.Int("max", l.max))
			_ = conn.Close()
			continue
		}
		l.conns[host] = n + 1
		l.mu.Unlock()
		return &countedConn{Conn: conn, release: func() { l.release(host) }}, nil
	}
}

func (l *ipCapListener) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.conns[host]; n <= 1 {
		delete(l.conns, host)
	} else {
		l.conns[host] = n - 1
	}
}

// countedConn frees its per-IP slot exactly once, however many times
// Close is called.
type countedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
