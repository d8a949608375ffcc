package handler

import (
	"bytes"
	"sync"
)

// capture is an io.Writer that keeps the first limit bytes written to it and
// counts the rest.
type capture struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCapture(limit int) *capture {
	return &capture{limit: limit}
}

// Write never fails so a chatty handler is not killed by SIGPIPE.
func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room := c.limit - c.buf.Len()
	if room < 0 {
		room = 0
	}
	if len(p) <= room {
		c.buf.Write(p)
	} else {
		c.buf.Write(p[:room])
		c.dropped += int64(len(p) - room)
	}
	return len(p), nil
}

func (c *capture) snapshot() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String(), c.dropped
}
