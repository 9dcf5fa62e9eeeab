// Package minilog extends Go's logging functionality to allow for multiple
// loggers, each with their own logging level. Call AddLogger (or
// AddLogRing) to set up each desired logger, then use the package-level
// logging functions to send messages to every configured logger.
package minilog

import (
	"bufio"
	"errors"
	"flag"
	"io"
	golog "log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

var (
	FlagLevel   = flag.String("level", "warn", "set log level: [debug, info, warn, error, fatal]")
	FlagVerbose = flag.Bool("v", true, "log on stderr")
	FlagFile    = flag.String("logfile", "", "also log to file")
)

var (
	loggers = make(map[string]*minilogger)
	logLock sync.RWMutex
)

// AddLogger adds a named logger that only emits events at level or above.
// output is typically os.Stderr or an open *os.File.
func AddLogger(name string, output io.Writer, level Level, color bool) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{logger: golog.New(output, "", golog.LstdFlags), Level: level, Color: color}
}

// AddLogRing adds a named logger backed by an in-memory Ring, useful for
// exposing recent log history over the operator console without a file.
func AddLogRing(name string, r *Ring, level Level) {
	logLock.Lock()
	defer logLock.Unlock()

	loggers[name] = &minilogger{logger: r, Level: level}
}

// DelLogger removes a named logger added with AddLogger/AddLogRing.
func DelLogger(name string) {
	logLock.Lock()
	defer logLock.Unlock()

	delete(loggers, name)
}

func Loggers() []string {
	logLock.RLock()
	defer logLock.RUnlock()

	var ret []string
	for k := range loggers {
		ret = append(ret, k)
	}
	return ret
}

// WillLog returns true if logging at level would reach at least one
// configured logger. Useful when the message itself is expensive to build.
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

// LogAll copies every line read from i into the logger at level, until EOF.
// It starts a goroutine and returns immediately, so i can be a child
// process's stderr pipe.
func LogAll(i io.Reader, level Level, name string) {
	go func() {
		r := bufio.NewReader(i)
		for {
			d, err := r.ReadString('\n')
			if d := strings.TrimSpace(d); d != "" {
				log(level, name, d)
			}
			if err != nil {
				return
			}
		}
	}()
}

// Init sets up logging according to FlagLevel/FlagVerbose/FlagFile. Callers
// that want flag-driven logging call flag.Parse() then Init().
func Init() error {
	level, err := ParseLevel(*FlagLevel)
	if err != nil {
		return err
	}

	color := runtime.GOOS != "windows"

	if *FlagVerbose {
		AddLogger("stdio", os.Stderr, level, color)
	}

	if *FlagFile != "" {
		if err := os.MkdirAll(filepath.Dir(*FlagFile), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(*FlagFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
		if err != nil {
			return err
		}
		AddLogger("file", f, level, false)
	}

	return nil
}

func log(level Level, name, format string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.log(level, name, format, arg...)
		}
	}
}

func logln(level Level, name string, arg ...interface{}) {
	logLock.RLock()
	defer logLock.RUnlock()

	for _, l := range loggers {
		if l.Level <= level {
			l.logln(level, name, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { log(DEBUG, "", format, arg...) }
func Info(format string, arg ...interface{})  { log(INFO, "", format, arg...) }
func Warn(format string, arg ...interface{})  { log(WARN, "", format, arg...) }
func Error(format string, arg ...interface{}) { log(ERROR, "", format, arg...) }

func Fatal(format string, arg ...interface{}) {
	log(FATAL, "", format, arg...)
	os.Exit(1)
}

func Debugln(arg ...interface{}) { logln(DEBUG, "", arg...) }
func Infoln(arg ...interface{})  { logln(INFO, "", arg...) }
func Warnln(arg ...interface{})  { logln(WARN, "", arg...) }
func Errorln(arg ...interface{}) { logln(ERROR, "", arg...) }

func Fatalln(arg ...interface{}) {
	logln(FATAL, "", arg...)
	os.Exit(1)
}
