package db

import "time"

// StreamRun is the summary of one finished relay stream.
type StreamRun struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Target    string    `json:"target"`
	Path      string    `json:"path"`
	Outcome   string    `json:"outcome"`
	Events    int       `json:"events"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

func (r StreamRun) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
