package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one moderation occurrence worth keeping: a warning, a timeout, a
// termination, a restriction, or a consensus flag.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Class     string    `json:"class"` // text-chat, speech-in-stream, consensus
	Kind      string    `json:"kind"`  // warning, timeout, termination, restriction, flagged
	UserID    string    `json:"user_id,omitempty"`
	Context   string    `json:"context,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// fileWriter manages a single JSONL file
type fileWriter struct {
	file         *os.File
	writer       *bufio.Writer
	createdAt    time.Time
	bytesWritten int64
	entryBuffer  []Entry
	class        string
	filename     string
}

// Recorder buffers moderation entries and writes them to per-class JSONL
// files, rotating by age and size. Rotated files are queued for shipping.
type Recorder struct {
	outputDir       string
	bufferSize      int
	rotateMinutes   int
	rotateMegabytes int64
	logger          *zap.Logger

	currentFiles map[string]*fileWriter // key: context-class
	mu           sync.Mutex
}

// New creates a new recorder
func New(outputDir string, bufferSize, rotateMinutes, rotateMegabytes int, logger *zap.Logger) *Recorder {
	return &Recorder{
		outputDir:       outputDir,
		bufferSize:      bufferSize,
		rotateMinutes:   rotateMinutes,
		rotateMegabytes: int64(rotateMegabytes) * 1024 * 1024,
		logger:          logger,
		currentFiles:    make(map[string]*fileWriter),
	}
}

// Start begins recording entries until ctx is cancelled, flushing everything
// on the way out.
func (r *Recorder) Start(ctx context.Context, entryChan <-chan Entry, fileChan chan<- string) error {
	// Create output directory
	if err := os.MkdirAll(r.outputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// Set up ticker for rotation checks
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case entry := <-entryChan:
			if err := r.record(entry); err != nil {
				r.logger.Error("Error recording audit entry", zap.Error(err))
			}

		case <-ticker.C:
			r.checkRotation(fileChan)

		case <-ctx.Done():
			r.logger.Info("Audit recorder shutting down, flushing buffers")
			r.flushAll(fileChan)
			return ctx.Err()
		}
	}
}

// record buffers a single entry
func (r *Recorder) record(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fw := r.currentFiles[entry.Class]

	// Create new file writer if needed
	if fw == nil {
		var err error
		fw, err = r.createFileWriter(entry.Class)
		if err != nil {
			return fmt.Errorf("create file writer: %w", err)
		}
		r.currentFiles[entry.Class] = fw
	}

	fw.entryBuffer = append(fw.entryBuffer, entry)

	// Flush if buffer is full
	if len(fw.entryBuffer) >= r.bufferSize {
		if err := r.flushFileWriter(fw); err != nil {
			return fmt.Errorf("flush buffer: %w", err)
		}
	}

	return nil
}

// createFileWriter creates a new file writer
func (r *Recorder) createFileWriter(class string) (*fileWriter, error) {
	timestamp := time.Now().UTC().Format("20060102_1504")
	filename := fmt.Sprintf("%s_%s.jsonl", class, timestamp)
	path := filepath.Join(r.outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	r.logger.Info("Created new audit file", zap.String("file", filename))

	return &fileWriter{
		file:        file,
		writer:      bufio.NewWriter(file),
		createdAt:   time.Now(),
		entryBuffer: make([]Entry, 0, r.bufferSize),
		class:       class,
		filename:    filename,
	}, nil
}

// flushFileWriter writes buffered entries to disk
func (r *Recorder) flushFileWriter(fw *fileWriter) error {
	for _, entry := range fw.entryBuffer {
		data, err := json.Marshal(entry)
		if err != nil {
			r.logger.Error("Error marshaling audit entry", zap.Error(err))
			continue
		}

		n, err := fw.writer.Write(data)
		if err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		fw.bytesWritten += int64(n)

		if err := fw.writer.WriteByte('\n'); err != nil {
			return fmt.Errorf("write newline: %w", err)
		}
		fw.bytesWritten++
	}

	// Clear buffer
	fw.entryBuffer = fw.entryBuffer[:0]

	// Flush to disk
	return fw.writer.Flush()
}

// checkRotation checks if any files need rotation
func (r *Recorder) checkRotation(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for class, fw := range r.currentFiles {
		needsRotation := false

		// Check time-based rotation
		if time.Since(fw.createdAt).Minutes() >= float64(r.rotateMinutes) {
			needsRotation = true
			r.logger.Info("Rotating audit file (time limit)", zap.String("file", fw.filename))
		}

		// Check size-based rotation
		if fw.bytesWritten >= r.rotateMegabytes {
			needsRotation = true
			r.logger.Info("Rotating audit file (size limit)", zap.String("file", fw.filename))
		}

		if needsRotation {
			r.rotateFile(class, fw, fileChan)
		}
	}
}

// rotateFile closes the current file and opens a fresh one
func (r *Recorder) rotateFile(class string, fw *fileWriter, fileChan chan<- string) {
	r.closeFileWriter(fw, fileChan)

	newFw, err := r.createFileWriter(class)
	if err != nil {
		r.logger.Error("Error creating new audit file", zap.Error(err))
		delete(r.currentFiles, class)
		return
	}
	r.currentFiles[class] = newFw
}

// flushAll flushes all file writers and closes files
func (r *Recorder) flushAll(fileChan chan<- string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for class, fw := range r.currentFiles {
		r.closeFileWriter(fw, fileChan)
		delete(r.currentFiles, class)
	}

	r.logger.Info("All audit files flushed and closed")
}

// closeFileWriter flushes, closes, and queues a file for shipping
func (r *Recorder) closeFileWriter(fw *fileWriter, fileChan chan<- string) {
	if err := r.flushFileWriter(fw); err != nil {
		r.logger.Error("Error flushing audit file", zap.Error(err))
	}
	if err := fw.file.Close(); err != nil {
		r.logger.Error("Error closing audit file", zap.Error(err))
	}

	path := filepath.Join(r.outputDir, fw.filename)
	select {
	case fileChan <- path:
		r.logger.Info("Queued audit file for shipping", zap.String("file", fw.filename))
	default:
		r.logger.Warn("Shipping queue full, file will be picked up later", zap.String("file", fw.filename))
	}
}
