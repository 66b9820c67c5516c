// Package mixer implements the time-windowed audio mixer. Receivers park the
// latest PCM chunk per publisher in a bucket; every tick the mixer drains the
// fresh chunks and emits one mix per recipient that excludes the recipient's
// own audio.
package mixer

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrChunkLength = errors.New("audio chunk has wrong length")

type bucket struct {
	chunk   []byte // nil once consumed by a tick
	arrived time.Time
}

// Recipient is a participant with a bound audio endpoint.
type Recipient struct {
	ID   uint32
	Addr *net.UDPAddr
}

// Recipients yields the current mix targets; it is consulted fresh each tick.
type Recipients interface {
	AudioRecipients() []Recipient
}

// Sender transmits one finished mix. It must not block indefinitely.
type Sender func(addr *net.UDPAddr, pcm []byte)

type Mixer struct {
	logger     zerolog.Logger
	mx         sync.Mutex
	buckets    map[uint32]*bucket
	chunkBytes int
	tick       time.Duration
	stale      time.Duration
}

type Config struct {
	Logger       *zerolog.Logger
	ChunkBytes   int
	Tick         time.Duration
	StaleHorizon time.Duration
}

func New(cfg Config) *Mixer {
	return &Mixer{
		logger:     cfg.Logger.With().Str("component", "mixer").Logger(),
		buckets:    make(map[uint32]*bucket),
		chunkBytes: cfg.ChunkBytes,
		tick:       cfg.Tick,
		stale:      cfg.StaleHorizon,
	}
}

// Ingest parks a publisher's chunk. Chunks that do not match the exact
// configured length are rejected without touching the bucket.
func (m *Mixer) Ingest(id uint32, pcm []byte, now time.Time) error {
	if len(pcm) != m.chunkBytes {
		return ErrChunkLength
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	m.mx.Lock()
	m.buckets[id] = &bucket{chunk: chunk, arrived: now}
	m.mx.Unlock()
	return nil
}

// Forget drops a publisher's bucket, used on participant removal.
func (m *Mixer) Forget(id uint32) {
	m.mx.Lock()
	delete(m.buckets, id)
	m.mx.Unlock()
}

// Run ticks the mixer until the context is canceled.
func (m *Mixer) Run(ctx context.Context, wg *sync.WaitGroup, recipients Recipients, send Sender) {
	defer func() {
		m.logger.Debug().Msg("mixer stopped")
		wg.Done()
	}()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	m.logger.Info().Dur("tick", m.tick).Msg("mixer started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.MixOnce(now, recipients.AudioRecipients(), send)
		}
	}
}

// MixOnce drains the fresh chunks under the lock, releases it, then computes
// and emits one mix per recipient. Recipients with no foreign publishers this
// tick receive nothing.
func (m *Mixer) MixOnce(now time.Time, recipients []Recipient, send Sender) {
	m.mx.Lock()
	take := make(map[uint32][]byte, len(m.buckets))
	for id, b := range m.buckets {
		if b.chunk != nil {
			take[id] = b.chunk
			b.chunk = nil
		}
		if now.Sub(b.arrived) > m.stale {
			delete(m.buckets, id)
		}
	}
	m.mx.Unlock()

	if len(take) == 0 {
		return
	}
	samples := m.chunkBytes / 2
	sum := make([]int32, samples)
	for _, r := range recipients {
		for i := range sum {
			sum[i] = 0
		}
		var n int32
		for id, chunk := range take {
			if id == r.ID {
				continue
			}
			n++
			for i := 0; i < samples; i++ {
				sum[i] += int32(int16(binary.LittleEndian.Uint16(chunk[i*2:])))
			}
		}
		if n == 0 {
			continue
		}
		send(r.Addr, renderMix(sum, n))
	}
}

// renderMix averages the summed samples and clamps them to the int16 range.
func renderMix(sum []int32, n int32) []byte {
	out := make([]byte, len(sum)*2)
	for i, s := range sum {
		v := s / n
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
