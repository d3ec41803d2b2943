package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/mrzor/sched-timeline/internal/config"
	"github.com/mrzor/sched-timeline/internal/emit"
)

const (
	jsonHeader    = "{\"data\":[\n"
	jsonSeparator = ",\n"
	jsonTrailer   = "\n]}\n"
)

// schedulerFile is the open output of one scheduler.
type schedulerFile struct {
	path    string
	file    *os.File
	enc     io.WriteCloser
	records int
}

// JSONSink writes each scheduler's records to <dir>/sched<N>.json. Files are
// created on the first record, so schedulers that never ran leave nothing.
type JSONSink struct {
	dir         string
	compression config.Compression
	logger      *zap.Logger
	files       map[int]*schedulerFile

	buf bytes.Buffer
	enc *json.Encoder
}

// NewJSONSink creates dir if needed and returns a sink writing into it.
func NewJSONSink(dir string, compression config.Compression, logger *zap.Logger) (*JSONSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if compression == "" {
		compression = config.CompressionNone
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	s := &JSONSink{
		dir:         dir,
		compression: compression,
		logger:      logger.Named("json"),
		files:       make(map[int]*schedulerFile),
	}
	// Erlang pids are written as <0.84.0>, not \u003c0.84.0\u003e
	s.enc = json.NewEncoder(&s.buf)
	s.enc.SetEscapeHTML(false)
	return s, nil
}

// FileName returns the name of the file holding a scheduler's records.
func FileName(scheduler int, compression config.Compression) string {
	name := fmt.Sprintf("sched%d.json", scheduler)
	switch compression {
	case config.CompressionZstd:
		name += ".zst"
	case config.CompressionSnappy:
		name += ".sz"
	}
	return name
}

func (s *JSONSink) HandleBatch(entries []emit.Entry) error {
	for _, e := range entries {
		sf, err := s.fileFor(e.Scheduler)
		if err != nil {
			return err
		}

		data, err := s.encode(e.Record)
		if err != nil {
			return fmt.Errorf("encoding record of scheduler %d: %w", e.Scheduler, err)
		}

		prefix := jsonSeparator
		if sf.records == 0 {
			prefix = jsonHeader
		}
		if _, err := io.WriteString(sf.enc, prefix); err != nil {
			return fmt.Errorf("writing %s: %w", sf.path, err)
		}
		if _, err := sf.enc.Write(data); err != nil {
			return fmt.Errorf("writing %s: %w", sf.path, err)
		}
		sf.records++
	}
	return nil
}

// encode returns the compact JSON of r without the encoder's trailing newline.
// The slice is only valid until the next call.
func (s *JSONSink) encode(r emit.Record) ([]byte, error) {
	s.buf.Reset()
	if err := s.enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(s.buf.Bytes(), []byte("\n")), nil
}

func (s *JSONSink) fileFor(scheduler int) (*schedulerFile, error) {
	if sf, ok := s.files[scheduler]; ok {
		return sf, nil
	}

	path := filepath.Join(s.dir, FileName(scheduler, s.compression))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler output: %w", err)
	}
	enc, err := newEncoder(f, s.compression)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("creating %s encoder for %s: %w", s.compression, path, err)
	}

	sf := &schedulerFile{path: path, file: f, enc: enc}
	s.files[scheduler] = sf
	s.logger.Debug("Opened scheduler output", zap.Int("scheduler", scheduler), zap.String("path", path))
	return sf, nil
}

// Paths returns the files written so far, ordered by scheduler number.
func (s *JSONSink) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for _, n := range s.schedulers() {
		paths = append(paths, s.files[n].path)
	}
	return paths
}

func (s *JSONSink) schedulers() []int {
	nums := make([]int, 0, len(s.files))
	for n := range s.files {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Close terminates the JSON document of every file and closes them.
func (s *JSONSink) Close() error {
	var errs []error
	for _, n := range s.schedulers() {
		sf := s.files[n]
		if _, err := io.WriteString(sf.enc, jsonTrailer); err != nil {
			errs = append(errs, fmt.Errorf("writing %s: %w", sf.path, err))
		}
		if err := sf.close(); err != nil {
			errs = append(errs, err)
		}
		s.logger.Info("Wrote scheduler timeline",
			zap.Int("scheduler", n),
			zap.String("path", sf.path),
			zap.Int("records", sf.records))
	}
	clear(s.files)
	return errors.Join(errs...)
}

// Abort closes and removes every file written by the sink.
func (s *JSONSink) Abort() error {
	var errs []error
	for _, n := range s.schedulers() {
		sf := s.files[n]
		_ = sf.close()
		if err := os.Remove(sf.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing partial output: %w", err))
		}
	}
	clear(s.files)
	return errors.Join(errs...)
}

func (sf *schedulerFile) close() error {
	var errs []error
	if err := sf.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flushing %s: %w", sf.path, err))
	}
	if err := sf.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing %s: %w", sf.path, err))
	}
	return errors.Join(errs...)
}

// newEncoder wraps f in the configured compression. Closing the encoder
// flushes it but leaves f open.
func newEncoder(f *os.File, compression config.Compression) (io.WriteCloser, error) {
	switch compression {
	case config.CompressionZstd:
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return nil, err
		}
		return enc, nil
	case config.CompressionSnappy:
		return snappy.NewBufferedWriter(f), nil
	case config.CompressionNone:
		return &bufferedWriter{Writer: bufio.NewWriter(f)}, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
}

type bufferedWriter struct {
	*bufio.Writer
}

func (w *bufferedWriter) Close() error {
	return w.Flush()
}
