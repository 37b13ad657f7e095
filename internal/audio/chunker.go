package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"livenote/internal/domain"
	"livenote/internal/ports"
)

// ErrCaptureFailed reports that the audio source became unavailable while recording.
var ErrCaptureFailed = errors.New("audio capture failed")

const (
	DefaultChunkInterval = time.Second
	defaultReadSize      = 4096
)

// ChunkerConfig controls fixed-interval chunking for one recording span.
type ChunkerConfig struct {
	Interval       time.Duration
	BytesPerSecond int
	// Epoch scopes the sequence space; it increases on every resume.
	Epoch uint32
	// BaseOffsetMs is the session offset of the first byte captured by this chunker.
	BaseOffsetMs int64
	ReadSize     int
}

// ChunkerStats represents chunker statistics.
type ChunkerStats struct {
	ChunksEmitted uint64 `json:"chunks_emitted"`
	BytesEmitted  int64  `json:"bytes_emitted"`
	LastSequence  uint64 `json:"last_sequence"`
}

// Chunker turns a live audio source into fixed-interval chunks. There is no voice
// gating: every tick with captured bytes yields a chunk.
type Chunker struct {
	source ports.AudioSession
	cfg    ChunkerConfig

	out    chan domain.AudioChunk
	pcm    chan []byte
	stopCh chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	mu      sync.Mutex
	readErr error
	err     error
	stats   ChunkerStats
}

func NewChunker(source ports.AudioSession, cfg ChunkerConfig) *Chunker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultChunkInterval
	}
	if cfg.BytesPerSecond <= 0 {
		cfg.BytesPerSecond = ports.AudioConfig{}.BytesPerSecond()
	}
	if cfg.ReadSize < 256 {
		cfg.ReadSize = defaultReadSize
	}
	return &Chunker{
		source: source,
		cfg:    cfg,
		out:    make(chan domain.AudioChunk, 16),
		pcm:    make(chan []byte),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins chunking. The returned channel closes after the final chunk.
func (c *Chunker) Start() <-chan domain.AudioChunk {
	c.startOnce.Do(func() {
		go c.readLoop()
		go c.emitLoop()
	})
	return c.out
}

// Stop halts capture and flushes any partial buffer as a final, shorter chunk.
// Safe to call repeatedly.
func (c *Chunker) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.stopErr = c.source.Stop()
		c.Start()
		<-c.done
	})
	return c.stopErr
}

// Done closes once the chunk stream has been fully emitted.
func (c *Chunker) Done() <-chan struct{} {
	return c.done
}

// Err returns the fatal capture error, if the source failed before Stop.
func (c *Chunker) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// EndOffsetMs is the session offset just past the last emitted byte.
func (c *Chunker) EndOffsetMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetLocked()
}

func (c *Chunker) Stats() ChunkerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Chunker) readLoop() {
	defer close(c.pcm)

	buf := make([]byte, c.cfg.ReadSize)
	for {
		n, err := c.source.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.pcm <- data
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.mu.Lock()
				c.readErr = err
				c.mu.Unlock()
			}
			return
		}
	}
}

func (c *Chunker) emitLoop() {
	defer close(c.done)
	defer close(c.out)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case data, ok := <-c.pcm:
			if !ok {
				c.finish(pending)
				return
			}
			pending = append(pending, data...)
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			c.emit(pending, false)
			pending = nil
		}
	}
}

func (c *Chunker) finish(pending []byte) {
	if !c.stopping() {
		c.mu.Lock()
		cause := c.readErr
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		c.err = fmt.Errorf("%w: %v", ErrCaptureFailed, cause)
		c.mu.Unlock()
	}
	c.emit(pending, true)
}

func (c *Chunker) emit(payload []byte, final bool) {
	if len(payload) == 0 && !final {
		return
	}

	c.mu.Lock()
	chunk := domain.AudioChunk{
		Epoch:        c.cfg.Epoch,
		Sequence:     c.stats.ChunksEmitted,
		Payload:      payload,
		CapturedAtMs: c.offsetLocked(),
		Final:        final,
	}
	c.stats.ChunksEmitted++
	c.stats.BytesEmitted += int64(len(payload))
	c.stats.LastSequence = chunk.Sequence
	c.mu.Unlock()

	c.out <- chunk
}

func (c *Chunker) offsetLocked() int64 {
	return c.cfg.BaseOffsetMs + c.stats.BytesEmitted*1000/int64(c.cfg.BytesPerSecond)
}

func (c *Chunker) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
