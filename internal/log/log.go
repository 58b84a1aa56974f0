// Package log provides leveled, structured, key/value logging in the style
// used throughout the rest of this codebase's lineage: logfmt records on
// stderr (through a color-capable writer when stderr is a terminal), with
// caller stacks attached to Crit.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is a logging level.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

var lvlNames = map[Lvl]string{
	LvlCrit:  "CRIT",
	LvlError: "ERROR",
	LvlWarn:  "WARN",
	LvlInfo:  "INFO",
	LvlDebug: "DEBUG",
	LvlTrace: "TRACE",
}

// Logger emits key/value records tagged with a module name.
type Logger struct {
	ctx []interface{}
}

var (
	root   = &Logger{}
	mu     sync.Mutex
	out    io.Writer = os.Stderr
	level            = LvlInfo
	isTerm           = isatty.IsTerminal(os.Stderr.Fd())
)

func init() {
	if isTerm {
		out = colorable.NewColorableStderr()
	}
}

// Root returns the root logger of the process.
func Root() *Logger { return root }

// SetLevel sets the minimum level emitted by the root logger.
func SetLevel(l Lvl) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// New returns a child logger with additional context appended to every record.
func New(ctx ...interface{}) *Logger {
	return &Logger{ctx: append(append([]interface{}{}, root.ctx...), ctx...)}
}

func (l *Logger) with(ctx []interface{}) *Logger {
	return &Logger{ctx: append(append([]interface{}{}, l.ctx...), ctx...)}
}

func (l *Logger) New(ctx ...interface{}) *Logger { return l.with(ctx) }

func (l *Logger) log(lvl Lvl, msg string, ctx []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl > level {
		return
	}
	fields := append(append([]interface{}{}, l.ctx...), ctx...)
	enc := logfmt.NewEncoder(out)
	_ = enc.EncodeKeyval("t", time.Now().UTC().Format(time.RFC3339Nano))
	_ = enc.EncodeKeyval("lvl", lvlNames[lvl])
	_ = enc.EncodeKeyval("msg", msg)
	for i := 0; i+1 < len(fields); i += 2 {
		_ = enc.EncodeKeyval(fields[i], fields[i+1])
	}
	if lvl == LvlCrit {
		_ = enc.EncodeKeyval("stack", fmt.Sprintf("%+v", stack.Trace().TrimRuntime()))
	}
	_ = enc.EndRecord()
}

func (l *Logger) Trace(msg string, ctx ...interface{}) { l.log(LvlTrace, msg, ctx) }
func (l *Logger) Debug(msg string, ctx ...interface{}) { l.log(LvlDebug, msg, ctx) }
func (l *Logger) Info(msg string, ctx ...interface{})  { l.log(LvlInfo, msg, ctx) }
func (l *Logger) Warn(msg string, ctx ...interface{})  { l.log(LvlWarn, msg, ctx) }
func (l *Logger) Error(msg string, ctx ...interface{}) { l.log(LvlError, msg, ctx) }
func (l *Logger) Crit(msg string, ctx ...interface{})  { l.log(LvlCrit, msg, ctx) }

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
