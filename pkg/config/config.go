// Package config holds the tunables of the kernel core.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// PageSize is the size in bytes of a page and of a physical frame.
const PageSize = 4096

// Configuration errors.
var (
	ErrNoFrames        = errors.New("frame count must be positive")
	ErrBigStride       = errors.New("big stride must be at least 2")
	ErrDefaultPriority = errors.New("default priority must be at least 2")
	ErrStackSize       = errors.New("user stack size must be a positive page multiple")
	ErrNoInitProgram   = errors.New("init program name is empty")
	ErrSyscallTable    = errors.New("syscall table size must be positive")
)

// Config contains every knob the kernel reads at boot.
type Config struct {
	// FrameCount is the number of physical frames available to user memory.
	FrameCount int `json:"frame_count"`
	// BigStride is the numerator of the stride pass size.
	BigStride uint64 `json:"big_stride"`
	// DefaultPriority is assigned to the init process.
	DefaultPriority uint64 `json:"default_priority"`
	// UserStackSize is the size of the user stack mapped for each image.
	UserStackSize uint64 `json:"user_stack_size"`
	// MmapLimit is the largest length accepted by mmap.
	MmapLimit uint64 `json:"mmap_limit"`
	// MaxSyscallNum is the size of the per-task syscall counter table.
	MaxSyscallNum int `json:"max_syscall_num"`
	// InitProgram is the image loaded as the root process.
	InitProgram string `json:"init_program"`
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `json:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		FrameCount:      8192, // 32 MB
		BigStride:       0x7fffffffffffffff,
		DefaultPriority: 16,
		UserStackSize:   2 * PageSize,
		MmapLimit:       1 << 30, // 1 GiB
		MaxSyscallNum:   500,
		InitProgram:     "initproc",
		LogLevel:        "info",
	}
}

// Load reads a JSON file on top of the defaults. Missing keys keep their
// default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KCORE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("KCORE_FRAMES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KCORE_FRAMES: %w", err)
		}
		c.FrameCount = n
	}
	if v := os.Getenv("KCORE_BIG_STRIDE"); v != "" {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return fmt.Errorf("KCORE_BIG_STRIDE: %w", err)
		}
		c.BigStride = n
	}
	if v := os.Getenv("KCORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("KCORE_INIT"); v != "" {
		c.InitProgram = v
	}
	return nil
}

// Validate checks the configuration for values the kernel cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.FrameCount <= 0:
		return ErrNoFrames
	case c.BigStride < 2:
		return ErrBigStride
	case c.DefaultPriority < 2:
		return ErrDefaultPriority
	case c.UserStackSize == 0 || c.UserStackSize%PageSize != 0:
		return ErrStackSize
	case c.InitProgram == "":
		return ErrNoInitProgram
	case c.MaxSyscallNum <= 0:
		return ErrSyscallTable
	}
	return nil
}
