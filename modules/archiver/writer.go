package archiver

import (
	"io"
	"sync"
)

// ChannelWriter decouples the stream reader from the file writer: the
// copy goroutine pushes chunks in, the active track writer drains them.
type ChannelWriter struct {
	sync.Mutex
	dataChan chan []byte
	closed   bool
}

func NewChannelWriter() *ChannelWriter {
	return &ChannelWriter{
		dataChan: make(chan []byte, 10240), // Buffer size can be adjusted as needed
	}
}

func (cw *ChannelWriter) Write(p []byte) (n int, err error) {
	cw.Lock()
	defer cw.Unlock()

	if cw.closed {
		return 0, io.ErrClosedPipe
	}

	// the channel owns the bytes once queued; the caller may reuse p
	buf := make([]byte, len(p))
	copy(buf, p)
	cw.dataChan <- buf

	return len(p), nil
}

func (cw *ChannelWriter) Close() error {
	cw.Lock()
	defer cw.Unlock()

	if !cw.closed {
		close(cw.dataChan)
		cw.closed = true
	}

	return nil
}
