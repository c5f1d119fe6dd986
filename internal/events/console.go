package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Console renders a single stream to a terminal: delta content goes to Out as
// it arrives, phases and terminal events go to Status.
type Console struct {
	Out    io.Writer
	Status io.Writer

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func NewConsole(out, status io.Writer) *Console {
	return &Console{Out: out, Status: status, done: make(chan struct{})}
}

// Finished is closed once a Done or Error event has been rendered.
func (c *Console) Finished() <-chan struct{} { return c.done }

func (c *Console) Publish(env Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := env.Event
	switch e.Type {
	case TypePhase:
		fmt.Fprintf(c.Status, "[%s]\n", e.Phase)
	case TypeDelta:
		fmt.Fprint(c.Out, e.Content)
	case TypeData:
		var msg struct {
			Type         string `json:"type"`
			Content      string `json:"content"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(e.Raw, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "delta":
			fmt.Fprint(c.Out, msg.Content)
		case "error":
			fmt.Fprintf(c.Status, "\nerror: %s\n", msg.ErrorMessage)
		}
	case TypeDone:
		fmt.Fprintln(c.Out)
		c.finish()
	case TypeError:
		fmt.Fprintf(c.Status, "\nerror: %s\n", e.Message)
		c.finish()
	}
}

func (c *Console) AuthExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.Status, "session expired: run `prd-relay login` again")
	c.finish()
}

func (c *Console) finish() {
	c.once.Do(func() { close(c.done) })
}
