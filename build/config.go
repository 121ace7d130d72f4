package build

import "fmt"

const (
	// Gzip is the default compressor of rotated log files.
	Gzip = "gzip"

	// Zstd compresses rotated log files with zstd.
	Zstd = "zstd"

	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10
)

// logCompressors maps the supported compressors to the file suffix of the
// rotated logs.
var logCompressors = map[string]string{
	Gzip: "gz",
	Zstd: "zst",
}

// SupportedLogCompressor returns whether the compressor is supported.
func SupportedLogCompressor(compressor string) bool {
	_, ok := logCompressors[compressor]
	return ok
}

// LogConfig holds the file logging options.
//
//nolint:lll
type LogConfig struct {
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	Compressor     string `long:"compressor" description:"Compression algorithm for rotated log files" choice:"gzip" choice:"zstd"`
}

// DefaultLogConfig returns the default logging config options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		MaxLogFiles:    DefaultMaxLogFiles,
		MaxLogFileSize: DefaultMaxLogFileSize,
		Compressor:     Gzip,
	}
}

// Validate validates the LogConfig struct values.
func (c *LogConfig) Validate() error {
	if c.MaxLogFiles < 0 {
		return fmt.Errorf("maxlogfiles must be non-negative, got %d",
			c.MaxLogFiles)
	}
	if c.MaxLogFileSize <= 0 {
		return fmt.Errorf("maxlogfilesize must be positive, got %d",
			c.MaxLogFileSize)
	}
	if !SupportedLogCompressor(c.Compressor) {
		return fmt.Errorf("invalid log compressor: %v", c.Compressor)
	}

	return nil
}
