package observability

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/replaydock/internal/config"
)

// Capture is an in-memory log sink for a single run. The diagnostics bundle
// embeds its contents as log.txt.
type Capture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewCapture returns an empty capture.
func NewCapture() *Capture {
	return &Capture{}
}

func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *Capture) Sync() error { return nil }

// Bytes returns a copy of everything captured so far.
func (c *Capture) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// Len reports the number of captured bytes.
func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Len()
}

// WithCapture returns a logger that writes to logger's cores and, at debug
// level, to c as JSON lines.
func WithCapture(logger *zap.Logger, c *Capture) *zap.Logger {
	captureCore := zapcore.NewCore(
		getEncoder(config.LoggerConfig{Format: "json"}),
		zapcore.AddSync(c),
		zapcore.DebugLevel,
	)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, captureCore)
	}))
}
