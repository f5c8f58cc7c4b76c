package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric level of this status, suitable
// for use with SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

// ParseLevel converts a textual level (as found in configuration)
// in to a LogStatus. Unknown values resolve to INFO.
func ParseLevel(level string) LogStatus {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "verbose":
		return VERBOSE
	case "debug":
		return DEBUG
	case "warning", "warn":
		return WARNING
	case "error":
		return ERROR
	default:
		return INFO
	}
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
	SetMinLevel(int)
	SetOutput(io.Writer)
}

var Log LoggerManager = &loggerMgr{
	offset:   0,
	minLevel: INFO.Level(),
	out:      os.Stdout,
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel int
	out      io.Writer
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status.Level() < l.minLevel {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}

	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Fprint(l.out, msg)
}

func (l *loggerMgr) SetMinLevel(level int) {
	l.Lock()
	defer l.Unlock()
	l.minLevel = level
}

func (l *loggerMgr) SetOutput(w io.Writer) {
	l.Lock()
	defer l.Unlock()
	l.out = w
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

// SetMinLoggingLevel sets the minimum level a message must
// have to be printed.
func SetMinLoggingLevel(level int) {
	Log.SetMinLevel(level)
}
