// Package logger is the process-wide structured logger.
package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger
// ========================================

// Logger is the global logger instance
var Logger zerolog.Logger

var (
	fileWriterMu sync.Mutex
	fileWriter   *RotatingFile
)

// Config controls where logs go and how log files are rotated
type Config struct {
	Level      string `yaml:"level" json:"level"` // debug, info, warn, error
	Console    bool   `yaml:"console" json:"console"`
	JSON       bool   `yaml:"json" json:"json"` // raw JSON on the console instead of pretty output
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMB"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// DefaultConfig logs info and above to stderr only
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
		Compress:   true,
	}
}

// FileConfig is DefaultConfig plus a log file under dataDir/logs
func FileConfig(dataDir string) Config {
	c := DefaultConfig()
	c.File = filepath.Join(dataDir, "logs", "droidpilot.log")
	return c
}

// ParseLevel maps a config level name onto zerolog, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ========================================
// RotatingFile
// ========================================

// RotatingFile is an io.Writer that rotates by size and prunes old files
type RotatingFile struct {
	mu          sync.Mutex
	config      Config
	current     *os.File
	currentSize int64
	dir         string
	stop        chan struct{}
}

// NewRotatingFile opens (or creates) config.File for appending
func NewRotatingFile(config Config) (*RotatingFile, error) {
	dir := filepath.Dir(config.File)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rf := &RotatingFile{
		config: config,
		dir:    dir,
		stop:   make(chan struct{}),
	}
	if err := rf.open(); err != nil {
		return nil, err
	}

	go rf.cleanupRoutine()
	return rf, nil
}

// Write implements io.Writer
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	limit := int64(rf.config.MaxSizeMB) * 1024 * 1024
	if limit > 0 && rf.currentSize+int64(len(p)) > limit {
		if err := rf.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := rf.current.Write(p)
	rf.currentSize += int64(n)
	return n, err
}

func (rf *RotatingFile) open() error {
	file, err := os.OpenFile(rf.config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	rf.current = file
	rf.currentSize = info.Size()
	return nil
}

func (rf *RotatingFile) rotate() error {
	if rf.current != nil {
		rf.current.Close()
	}

	base := strings.TrimSuffix(filepath.Base(rf.config.File), filepath.Ext(rf.config.File))
	rotated := filepath.Join(rf.dir, fmt.Sprintf("%s_%s.log", base, time.Now().Format("2006-01-02_15-04-05")))
	if err := os.Rename(rf.config.File, rotated); err != nil {
		return rf.open()
	}

	if rf.config.Compress {
		go compressFile(rotated)
	}
	return rf.open()
}

func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	defer gz.Close()

	if _, err := io.Copy(gz, src); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

func (rf *RotatingFile) cleanupRoutine() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	rf.cleanup()
	for {
		select {
		case <-ticker.C:
			rf.cleanup()
		case <-rf.stop:
			return
		}
	}
}

// cleanup removes rotated files past MaxAgeDays or beyond MaxBackups
func (rf *RotatingFile) cleanup() {
	base := strings.TrimSuffix(filepath.Base(rf.config.File), filepath.Ext(rf.config.File))
	files, err := filepath.Glob(filepath.Join(rf.dir, base+"_*.log*"))
	if err != nil {
		return
	}

	type rotatedFile struct {
		path    string
		modTime time.Time
	}
	var rotated []rotatedFile
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		rotated = append(rotated, rotatedFile{path: f, modTime: info.ModTime()})
	}
	sort.Slice(rotated, func(i, j int) bool {
		return rotated[i].modTime.After(rotated[j].modTime)
	})

	now := time.Now()
	for i, f := range rotated {
		if rf.config.MaxAgeDays > 0 && now.Sub(f.modTime) > time.Duration(rf.config.MaxAgeDays)*24*time.Hour {
			os.Remove(f.path)
			continue
		}
		if rf.config.MaxBackups > 0 && i >= rf.config.MaxBackups {
			os.Remove(f.path)
		}
	}
}

// Close stops the cleanup routine and closes the current file
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	select {
	case <-rf.stop:
	default:
		close(rf.stop)
	}
	if rf.current != nil {
		return rf.current.Close()
	}
	return nil
}

// ========================================
// Init
// ========================================

// Init replaces the global logger according to config
func Init(config Config) error {
	var writers []io.Writer

	if config.Console {
		if config.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
		}
	}

	if config.File != "" {
		rf, err := NewRotatingFile(config)
		if err != nil {
			return err
		}
		fileWriterMu.Lock()
		if fileWriter != nil {
			fileWriter.Close()
		}
		fileWriter = rf
		fileWriterMu.Unlock()
		writers = append(writers, rf)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Logger()
	return nil
}

// Close flushes and closes the log file, if any
func Close() {
	fileWriterMu.Lock()
	defer fileWriterMu.Unlock()
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// ========================================
// Module helpers
// ========================================

// Debug starts a debug event tagged with module
func Debug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

// Info starts an info event tagged with module
func Info(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

// Warn starts a warn event tagged with module
func Warn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

// Error starts an error event tagged with module
func Error(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}

// ========================================
// OperationTimer
// ========================================

// OperationTimer logs how long an operation took
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

// StartOperation starts timing an operation
func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

// AddDetail attaches a field to the final log line
func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// End logs the elapsed time at debug level
func (t *OperationTimer) End() {
	t.emit(Logger.Debug()).Msg("Operation completed")
}

// EndWithError logs the elapsed time and err at warn level
func (t *OperationTimer) EndWithError(err error) {
	t.emit(Logger.Warn().Err(err)).Msg("Operation failed")
}

func (t *OperationTimer) emit(event *zerolog.Event) *zerolog.Event {
	d := time.Since(t.startTime)
	event = event.
		Str("module", t.module).
		Str("operation", t.operation).
		Int64("duration_ms", d.Milliseconds())
	return withFields(event, t.details)
}

func withFields(event *zerolog.Event, fields map[string]interface{}) *zerolog.Event {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		case error:
			event.AnErr(k, val)
		default:
			event.Interface(k, val)
		}
	}
	return event
}

func init() {
	_ = Init(DefaultConfig())
}
