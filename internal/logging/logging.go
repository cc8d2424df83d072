// Package logging routes the standard logger to stdout and a log file at the
// same time, and exposes the file for tail and clear operations.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charles1614/deepwiki-sub000/internal/config"
)

const defaultLogPath = "/app/data/deepwiki.log"

var (
	logFile *os.File
	mu      sync.Mutex
)

// logPath resolves the configured log file location.
func logPath() string {
	if config.Cfg.LogPath != "" {
		return config.Cfg.LogPath
	}
	return defaultLogPath
}

// Init opens the log file and installs a stdout+file MultiWriter on the
// standard logger. Must run after config.Load; on failure the process keeps
// stdout-only logging.
func Init() {
	path := logPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}

	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.Printf("Logging to file: %s", path)
}

// ReadTail returns the last n lines of the log file. A file that does not
// exist yet reads as empty.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Clear empties the log file. The open handle is truncated in place so the
// installed MultiWriter stays valid.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		return os.Truncate(logPath(), 0)
	}
	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := logFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}
