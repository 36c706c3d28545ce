// Package rpclog extends Go's logging functionality to allow for multiple
// loggers, each with its own level. Call AddLogger to set up each desired
// logger, then use the package-level functions to send messages to all of
// them. Every package in this module logs through rpclog rather than
// through the standard log package or fmt.Println.
package rpclog

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	golog "log"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	LevelFlag = flag.String("level", "warn", "set log level: [debug, info, warn, error, fatal]")
	Verbose   = flag.Bool("v", true, "log on stderr")
	File      = flag.String("logfile", "", "also log to file")
)

var (
	loggers = make(map[string]*logger)
	logLock sync.RWMutex
)

// AddLogger adds a logger set to log only events at level or higher.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &logger{golog.New(output, "", golog.LstdFlags), level, color, nil}
}

// AddRing registers a Ring buffer as a named logger, so recent log lines
// can be read back with Ring.Dump without reopening a file. Nothing in
// this module's commands registers one.
func AddRing(name string, r *Ring, level Level) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &logger{r, level, false, nil}
}

// DelLogger removes a named logger added via AddLogger.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.Lock()
	defer logLock.Unlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog reports whether logging at level would actually produce output.
// Useful when the message itself is expensive to build.
func WillLog(level Level) bool {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, v := range loggers {
		if v.Level <= level {
			return true
		}
	}
	return false
}

func SetLevel(name string, level Level) error {
	logLock.Lock()
	defer logLock.Unlock()

	if loggers[name] == nil {
		return errors.New("logger does not exist")
	}
	loggers[name].Level = level
	return nil
}

func GetLevel(name string) (Level, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if loggers[name] == nil {
		return -1, errors.New("logger does not exist")
	}
	return loggers[name].Level, nil
}

// Init configures logging from registered flags. Call after flag.Parse.
func Init() error {
	level, err := ParseLevel(*LevelFlag)
	if err != nil {
		return err
	}

	color := runtime.GOOS != "windows"

	if *Verbose {
		AddLogger("stdio", os.Stderr, level, color)
	}

	if *File != "" {
		if err := os.MkdirAll(filepath.Dir(*File), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(*File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			return err
		}
		AddLogger("file", f, level, false)
	}

	return nil
}

func Filters(name string) ([]string, error) {
	logLock.RLock()
	defer logLock.RUnlock()

	if l, ok := loggers[name]; ok {
		ret := make([]string, len(l.filters))
		copy(ret, l.filters)
		return ret, nil
	}
	return nil, fmt.Errorf("no such logger %v", name)
}

func AddFilter(name, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for _, f := range l.filters {
		if f == filter {
			return nil
		}
	}
	l.filters = append(l.filters, filter)
	return nil
}

func DelFilter(name, filter string) error {
	logLock.Lock()
	defer logLock.Unlock()

	l, ok := loggers[name]
	if !ok {
		return fmt.Errorf("no such logger %v", name)
	}
	for i, f := range l.filters {
		if f == filter {
			l.filters = append(l.filters[:i], l.filters[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("filter %v does not exist", filter)
}

func dispatch(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.log(level, name, format, arg...)
		}
	}
}

func dispatchln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.logln(level, name, arg...)
		}
	}
}

// LogAll reads lines from r and logs each one at level until EOF. It starts
// a goroutine and returns immediately.
func LogAll(r io.Reader, level Level, name string) {
	go func() {
		br := bufio.NewReader(r)
		for {
			line, err := br.ReadString('\n')
			if d := strings.TrimSpace(line); d != "" {
				dispatch(level, name, "%s", d)
			}
			if level == FATAL {
				os.Exit(1)
			}
			if err != nil {
				return
			}
		}
	}()
}

func Debug(format string, arg ...interface{}) { dispatch(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { dispatch(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { dispatch(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { dispatch(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	dispatch(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { dispatchln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { dispatchln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { dispatchln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { dispatchln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	dispatchln(FATAL, "", arg...)
	os.Exit(1)
}
