// Package nlog is the client engine's leveled logger: buffered writes,
// timestamped lines, file:line caller info, and an explicit Flush, in the
// style of the teacher's buffering/timestamping logger. Unknown or
// structurally invalid wire frames (§4.5) are logged here at Info with a
// hex dump instead of being otherwise surfaced.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const sevChar = "IWE"

var (
	toStderr     bool
	alsoToStderr bool
	verbosity    int

	mu  sync.Mutex
	out io.Writer = os.Stderr
	bw            = bufio.NewWriterSize(out, 4096)
)

// InitFlags wires -logtostderr/-alsologtostderr/-v the way the teacher's
// nlog.InitFlags does for its own process flags.
func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", true, "log to standard error instead of buffering to the configured writer")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as the configured writer")
	flset.IntVar(&verbosity, "v", 0, "log verbosity threshold")
}

// SetOutput redirects the buffered writer (tests, or an operator-supplied
// log file); nlog never opens or rotates files on its own.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	bw = bufio.NewWriterSize(out, 4096)
}

func V(level int) bool { return level <= verbosity }

func Infof(format string, args ...any)    { logf(sevInfo, 1, format, args...) }
func Infoln(args ...any)                  { logln(sevInfo, 1, args...) }
func Warningf(format string, args ...any) { logf(sevWarn, 1, format, args...) }
func Warningln(args ...any)               { logln(sevWarn, 1, args...) }
func Errorf(format string, args ...any)   { logf(sevErr, 1, format, args...) }
func Errorln(args ...any)                 { logln(sevErr, 1, args...) }

// InfoDepth/ErrorDepth let a thin wrapper (e.g. a per-component logger)
// attribute the caller frame to its own caller instead of itself.
func InfoDepth(depth int, args ...any)  { logln(sevInfo, depth+1, args...) }
func ErrorDepth(depth int, args ...any) { logln(sevErr, depth+1, args...) }

func logf(sev severity, depth int, format string, args ...any) {
	write(sev, depth+1, fmt.Sprintf(format, args...))
}

func logln(sev severity, depth int, args ...any) {
	write(sev, depth+1, fmt.Sprintln(args...))
}

func write(sev severity, depth int, msg string) {
	line := header(sev, depth+1) + msg
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	mu.Lock()
	defer mu.Unlock()
	if toStderr || alsoToStderr || sev >= sevWarn {
		os.Stderr.WriteString(line)
	}
	if !toStderr {
		bw.WriteString(line)
		if sev >= sevWarn {
			bw.Flush()
		}
	}
}

func header(sev severity, depth int) string {
	var b strings.Builder
	b.WriteByte(sevChar[sev])
	b.WriteByte(' ')
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 2); ok {
		if idx := strings.LastIndexByte(fn, filepath.Separator); idx >= 0 {
			fn = fn[idx+1:]
		}
		b.WriteString(fn)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(ln))
		b.WriteByte(' ')
	}
	return b.String()
}

// Flush forces any buffered (non-stderr) log lines out; callers invoke it
// at process shutdown the way the teacher's nlog.Flush(true) does on exit.
func Flush() {
	mu.Lock()
	defer mu.Unlock()
	bw.Flush()
}
