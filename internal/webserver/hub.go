package webserver

import "sync/atomic"

const clientQueueSize = 256

// client is one connected UI. Its queue drops the oldest message when full
// so a slow reader never blocks a stream.
type client struct {
	ch      chan []byte
	dropped atomic.Int64
}

func newClient(size int) *client {
	return &client{ch: make(chan []byte, size)}
}

func (c *client) push(msg []byte) {
	for {
		select {
		case c.ch <- msg:
			return
		default:
		}
		select {
		case <-c.ch:
			c.dropped.Add(1)
		default:
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	if n := c.dropped.Load(); n > 0 {
		s.logger.Warn("ui client dropped messages", "count", n)
	}
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.push(msg)
	}
}

// Clients reports how many UI clients are connected.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
