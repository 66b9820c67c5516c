// Package clock provides the server's monotonic id allocators and timestamp
// formatting for chat and file metadata.
package clock

import (
	"sync"
	"time"
)

// IDSource hands out monotonically increasing 32-bit ids. Ids are never
// reused within a server run.
type IDSource struct {
	mx   sync.Mutex
	next uint32
}

// NewIDSource returns a source whose first id is start.
func NewIDSource(start uint32) *IDSource {
	return &IDSource{next: start}
}

func (s *IDSource) Next() uint32 {
	s.mx.Lock()
	defer s.mx.Unlock()
	id := s.next
	s.next++
	return id
}

// Stamp returns the wall-clock HH:MM:SS timestamp used on chat lines.
func Stamp() string {
	return time.Now().Format("15:04:05")
}
