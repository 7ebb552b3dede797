package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// backoffBase and backoffMax bound the single retry the KMS proxy client
// performs on transport errors or 5xx responses.
const (
	backoffBase = 50 * time.Millisecond
	backoffMax  = 2 * time.Second
)

// computeDeterministicBackoff derives a reproducible jittered delay from the
// payload digest and attempt index rather than math/rand, so retry timing
// is identical across repeated test runs of the same request.
func computeDeterministicBackoff(payload []byte, attempt int) time.Duration {
	h := sha256.New()
	h.Write(payload)
	var attemptBytes [8]byte
	binary.BigEndian.PutUint64(attemptBytes[:], uint64(attempt))
	h.Write(attemptBytes[:])
	sum := h.Sum(nil)

	basis := binary.BigEndian.Uint64(sum[:8])
	delay := backoffBase << uint(attempt)
	if delay > backoffMax {
		delay = backoffMax
	}
	jitter := time.Duration(basis%uint64(delay/time.Millisecond+1)) * time.Millisecond
	return delay/2 + jitter
}
