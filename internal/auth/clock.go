package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so timeouts can be driven by tests
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a manually advanced Clock, safe for concurrent use
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock frozen at start
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the frozen time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// RandomSource is a source of random bytes. Production code uses crypto/rand;
// tests inject a seeded source for reproducible codes and tokens.
type RandomSource interface {
	Read(p []byte) (int, error)
}

// CryptoRandom reads from crypto/rand
type CryptoRandom struct{}

// Read fills p from the operating system CSPRNG
func (CryptoRandom) Read(p []byte) (int, error) {
	return rand.Read(p)
}

// SeededRandom is a deterministic ChaCha8 stream. Never use it outside tests.
type SeededRandom struct {
	mu  sync.Mutex
	src *mathrand.ChaCha8
}

// NewSeededRandom creates a deterministic source from seed
func NewSeededRandom(seed uint64) *SeededRandom {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	return &SeededRandom{src: mathrand.NewChaCha8(key)}
}

// Read fills p from the seeded stream
func (r *SeededRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src.Read(p)
}

// RandomBytes reads n bytes from src
func RandomBytes(src RandomSource, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := src.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// RandomHex returns a random lowercase hex string of exactly length characters
func RandomHex(src RandomSource, length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid random string length %d", length)
	}
	buf, err := RandomBytes(src, (length+1)/2)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf)[:length], nil
}

// RandomID mints an opaque UUIDv4 identifier from src
func RandomID(src RandomSource) (string, error) {
	id, err := uuid.NewRandomFromReader(src)
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}
