package util

import (
	"log"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
)

var debug atomic.Uint64

// Config holds the environment-derived defaults, read from UFS_* variables.
type Config struct {
	Debug      uint64 `envconfig:"DEBUG" default:"0"`
	BlockSize  uint64 `envconfig:"BLOCK_SIZE" default:"4096"`
	InodeRatio uint64 `envconfig:"INODE_RATIO" default:"16384"`
}

// LoadConfig reads the UFS_* environment and applies its debug level.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("ufs", &c); err != nil {
		return Config{}, err
	}
	SetDebug(c.Debug)
	return c, nil
}

func SetDebug(level uint64) {
	debug.Store(level)
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= debug.Load() {
		log.Printf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

// SumOverflows reports whether a + b wraps around.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}
