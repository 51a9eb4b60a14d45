package kms

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// BuffersEnv overrides the number of buffers per plane.
const BuffersEnv = "EGT_KMS_BUFFERS"

// DefaultBuffers is the buffer count used without an override.
const DefaultBuffers = 3

var bufferEnv struct {
	once  sync.Once
	count int
	err   error
}

// MaxBuffers returns the buffer count per plane. The environment is read
// once; invalid values fall back to DefaultBuffers.
func MaxBuffers() int {
	n, _ := maxBuffers()
	return n
}

func maxBuffers() (int, error) {
	bufferEnv.once.Do(func() {
		bufferEnv.count, bufferEnv.err = parseBuffers(os.Getenv(BuffersEnv))
	})
	return bufferEnv.count, bufferEnv.err
}

func parseBuffers(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultBuffers, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return DefaultBuffers, fmt.Errorf("%s=%q: %w", BuffersEnv, v, err)
	}
	if n < 1 {
		return DefaultBuffers, fmt.Errorf("%s=%d: must be at least 1", BuffersEnv, n)
	}
	return n, nil
}

// resetMaxBuffers forgets the cached value. Tests only.
func resetMaxBuffers() {
	bufferEnv.once = sync.Once{}
	bufferEnv.count, bufferEnv.err = 0, nil
}
