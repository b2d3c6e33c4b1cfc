package emitter

import (
	cryptorand "crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDSource produces outbound event ids.
type IDSource interface {
	NextID() string
}

// ULIDSource produces lexically sortable ids derived from emission time.
// Ids from one source are strictly increasing, even within one millisecond.
type ULIDSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewIDSource returns the default ULID source.
func NewIDSource() *ULIDSource {
	return &ULIDSource{
		entropy: ulid.Monotonic(cryptorand.Reader, 0),
		now:     time.Now,
	}
}

// NextID returns a new ULID string.
func (s *ULIDSource) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// MillisSource produces decimal millisecond timestamps, bumped by one when
// the clock has not advanced so that consecutive ids never collide.
type MillisSource struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewMillisSource returns a millisecond id source. A nil clock uses time.Now.
func NewMillisSource(clock func() time.Time) *MillisSource {
	if clock == nil {
		clock = time.Now
	}
	return &MillisSource{now: clock}
}

// NextID returns the next millisecond id.
func (s *MillisSource) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return strconv.FormatInt(ms, 10)
}
