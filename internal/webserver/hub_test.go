package webserver

import "testing"

func TestClientQueueDropsOldest(t *testing.T) {
	c := newClient(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		c.push([]byte(m))
	}
	if got := c.dropped.Load(); got != 2 {
		t.Errorf("dropped: got %d want 2", got)
	}
	var got []string
	for range 3 {
		got = append(got, string(<-c.ch))
	}
	if got[0] != "c" || got[1] != "d" || got[2] != "e" {
		t.Errorf("queue: got %v", got)
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	s := New(Config{}, Deps{})
	a, b := newClient(1), newClient(1)
	s.addClient(a)
	s.addClient(b)
	s.broadcast([]byte("x"))
	if string(<-a.ch) != "x" || string(<-b.ch) != "x" {
		t.Error("broadcast missed a client")
	}
	s.removeClient(a)
	if s.Clients() != 1 {
		t.Errorf("clients: got %d", s.Clients())
	}
}
