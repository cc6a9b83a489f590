// Package logging implements the named-stream logger the translator,
// register allocator, code generator, code cache and AOT pipeline all
// log through, one instance per component, enabled piecemeal from the
// command line (--logs qir:tcache) the same way the original's
// LOG_STREAM(name) macros are gated by dbt::Logger::enable(name).
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var (
	mu       sync.Mutex
	enabled  = map[string]bool{}
	allOn    bool
	out      io.Writer = colorable.NewColorableStderr()
	isTTY              = isatty.IsTerminal(os.Stderr.Fd())
	palette            = []*color.Color{
		color.New(color.FgCyan),
		color.New(color.FgYellow),
		color.New(color.FgGreen),
		color.New(color.FgMagenta),
		color.New(color.FgBlue),
		color.New(color.FgRed),
	}
	streamColor = map[string]*color.Color{}
)

// Enable turns on the named streams from a colon-separated list, e.g.
// "qir:tcache:aot". The special name "*" enables every stream.
func Enable(spec string) {
	mu.Lock()
	defer mu.Unlock()
	for _, name := range strings.Split(spec, ":") {
		if name == "" {
			continue
		}
		if name == "*" {
			allOn = true
			continue
		}
		enabled[name] = true
	}
}

// Stream is a single named log destination. Zero value is usable and
// disabled.
type Stream struct {
	name string
}

// Named returns the stream for the given component name. Assign to a
// package-level var, e.g. var log = logging.Named("qir").
func Named(name string) *Stream {
	mu.Lock()
	if _, ok := streamColor[name]; !ok {
		streamColor[name] = palette[len(streamColor)%len(palette)]
	}
	mu.Unlock()
	return &Stream{name: name}
}

// Enabled reports whether this stream's output is currently observed.
// Callers guard expensive formatting with this, matching
// log_qir.enabled() checks throughout the original's qemit.cpp.
func (s *Stream) Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return allOn || enabled[s.name]
}

// Printf writes a formatted line if the stream is enabled.
func (s *Stream) Printf(format string, args ...interface{}) {
	if !s.Enabled() {
		return
	}
	mu.Lock()
	c := streamColor[s.name]
	mu.Unlock()
	prefix := fmt.Sprintf("[%s] ", s.name)
	if isTTY {
		prefix = c.Sprintf("[%s] ", s.name)
	}
	fmt.Fprintf(out, prefix+format+"\n", args...)
}
