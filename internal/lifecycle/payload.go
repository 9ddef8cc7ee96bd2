package lifecycle

import (
	"io"
	"sync"
)

// Payload streams the bytes of a granted retrieval. Closing it ends the
// retrieval; when it was the last one of a terminal object, the bytes are
// destroyed before Close returns.
type Payload struct {
	// Object is the record as it was right after this retrieval was counted.
	Object StoredObject

	body  io.ReadCloser
	m     *Manager
	token string
	once  sync.Once
	err   error
}

func (p *Payload) Read(b []byte) (int, error) {
	return p.body.Read(b)
}

// Close is safe to call more than once.
func (p *Payload) Close() error {
	p.once.Do(func() {
		p.err = p.body.Close()
		p.m.release(p.token)
		p.m.inflight.Done()
	})
	return p.err
}
