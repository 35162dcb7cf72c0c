package eventrouter

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
)

const (
	writeDeadline     = 10 * time.Second
	binaryQueueDepth  = 30 // ~3 s of audio/fft frames before drop-on-full kicks in
	defaultCompressAt = 4096
)

// client wraps one session's WebSocket connection: a write mutex for JSON
// frames and a dedicated writer goroutine with a bounded queue for binary
// frames, so a slow client drops frames instead of stalling the pipeline.
type client struct {
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex

	binaryCh   chan []byte
	writerDone chan struct{}

	compressAt int

	closeOnce sync.Once
}

func newClient(sessionID string, conn *websocket.Conn, compressAt int) *client {
	if compressAt <= 0 {
		compressAt = defaultCompressAt
	}
	c := &client{
		sessionID:  sessionID,
		conn:       conn,
		binaryCh:   make(chan []byte, binaryQueueDepth),
		writerDone: make(chan struct{}),
		compressAt: compressAt,
	}
	go c.binaryWriter()
	return c
}

// binaryWriter owns the connection's binary writes; frames arrive via the
// bounded queue and are dropped by the sender when it is full.
func (c *client) binaryWriter() {
	defer close(c.writerDone)
	for frame := range c.binaryCh {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := c.conn.WriteMessage(websocket.BinaryMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// enqueueBinary attempts a non-blocking send of a tagged binary frame.
// Returns false when the client's queue is full and the frame was dropped.
func (c *client) enqueueBinary(tag byte, payload []byte) bool {
	frame := make([]byte, 1+len(payload))
	frame[0] = tag
	copy(frame[1:], payload)

	select {
	case c.binaryCh <- frame:
		return true
	default:
		return false
	}
}

// envelope is the JSON wire shape of a server->client event.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// writeEvent sends a JSON event, gzip-compressing payloads larger than the
// threshold (the client distinguishes compressed frames by the gzip magic).
func (c *client) writeEvent(event string, data any) error {
	raw, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))

	if len(raw) < c.compressAt {
		return c.conn.WriteMessage(websocket.TextMessage, raw)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// writeRaw sends a pre-marshaled JSON text frame (command replies).
func (c *client) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// close shuts the binary writer down and closes the connection.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.binaryCh)
		c.conn.Close()
		<-c.writerDone
	})
}
