// Package datagram runs the three best-effort media planes: video fan-out,
// audio ingest for the mixer, and presenter-gated screen fan-out. Receivers
// reuse one buffer per loop and drop anything they cannot attribute to a
// live, correctly bound publisher.
package datagram

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/adwski/lanmeet/backend/conference"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/mixer"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

// Service is the conference surface shared by all datagram planes.
type Service interface {
	Attribute(plane model.Plane, declared uint32, addr *net.UDPAddr) (ok bool, reason string)
	StoreFrame(plane model.Plane, id uint32, payload []byte)
	Targets(plane model.Plane, except uint32) []memory.Endpoint
	CurrentPresenter() (uint32, bool)
	IngestAudio(id uint32, pcm []byte) error
}

type Config struct {
	Logger             *zerolog.Logger
	Service            Service
	Metrics            metrics.Collector
	VideoAddr          string
	AudioAddr          string
	ScreenAddr         string
	MaxPacketSize      int
	ScreenFrameCeiling int
}

type Server struct {
	logger    zerolog.Logger
	svc       Service
	collector metrics.Collector

	videoAddr  string
	audioAddr  string
	screenAddr string

	maxPacket     int
	screenCeiling int

	video  *net.UDPConn
	audio  *net.UDPConn
	screen *net.UDPConn
}

func NewServer(cfg Config) *Server {
	return &Server{
		logger:        cfg.Logger.With().Str("component", "datagram-server").Logger(),
		svc:           cfg.Service,
		collector:     cfg.Metrics,
		videoAddr:     cfg.VideoAddr,
		audioAddr:     cfg.AudioAddr,
		screenAddr:    cfg.ScreenAddr,
		maxPacket:     cfg.MaxPacketSize,
		screenCeiling: cfg.ScreenFrameCeiling,
	}
}

// Listen binds all three datagram endpoints, unwinding on partial failure.
func (s *Server) Listen() error {
	var err error
	if s.video, err = listenUDP(s.videoAddr); err != nil {
		return err
	}
	if s.audio, err = listenUDP(s.audioAddr); err != nil {
		_ = s.video.Close()
		return err
	}
	if s.screen, err = listenUDP(s.screenAddr); err != nil {
		_ = s.video.Close()
		_ = s.audio.Close()
		return err
	}
	return nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// Close releases the bound endpoints; used when startup unwinds.
func (s *Server) Close() error {
	for _, conn := range []*net.UDPConn{s.video, s.audio, s.screen} {
		if conn != nil {
			_ = conn.Close()
		}
	}
	return nil
}

func (s *Server) VideoLocalAddr() net.Addr  { return s.video.LocalAddr() }
func (s *Server) AudioLocalAddr() net.Addr  { return s.audio.LocalAddr() }
func (s *Server) ScreenLocalAddr() net.Addr { return s.screen.LocalAddr() }

func (s *Server) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		s.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	go func() {
		<-ctx.Done()
		_ = s.video.Close()
		_ = s.audio.Close()
		_ = s.screen.Close()
	}()

	s.logger.Info().
		Str("video", s.video.LocalAddr().String()).
		Str("audio", s.audio.LocalAddr().String()).
		Str("screen", s.screen.LocalAddr().String()).
		Msg("datagram receivers started")

	loopsWG := &sync.WaitGroup{}
	loopsWG.Add(3)
	go func() {
		defer loopsWG.Done()
		s.videoLoop()
	}()
	go func() {
		defer loopsWG.Done()
		s.audioLoop()
	}()
	go func() {
		defer loopsWG.Done()
		s.screenLoop()
	}()
	loopsWG.Wait()
}

// AudioSender returns the mixer's emission path: raw PCM mixes written from
// the audio socket to each recipient's learned endpoint.
func (s *Server) AudioSender() mixer.Sender {
	plane := model.PlaneAudio.String()
	return func(addr *net.UDPAddr, pcm []byte) {
		if _, err := s.audio.WriteToUDP(pcm, addr); err != nil {
			s.collector.SendFailure(plane)
			return
		}
		s.collector.MixEmitted()
	}
}

func (s *Server) videoLoop() {
	plane := model.PlaneVideo.String()
	buf := make([]byte, s.maxPacket)
	for {
		n, addr, err := s.video.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			s.logger.Error().Err(err).Msg("video receive failed")
			continue
		}
		s.collector.DatagramReceived(plane)
		id, err := protocol.DecodePrefix(buf[:n])
		if err != nil {
			s.collector.DatagramDropped(plane, conference.DropShortFrame)
			continue
		}
		if ok, reason := s.svc.Attribute(model.PlaneVideo, id, addr); !ok {
			s.collector.DatagramDropped(plane, reason)
			continue
		}
		s.svc.StoreFrame(model.PlaneVideo, id, buf[protocol.PrefixLen:n])
		s.fanOut(s.video, plane, buf[:n], s.svc.Targets(model.PlaneVideo, id))
	}
}

func (s *Server) audioLoop() {
	plane := model.PlaneAudio.String()
	buf := make([]byte, s.maxPacket)
	for {
		n, addr, err := s.audio.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			s.logger.Error().Err(err).Msg("audio receive failed")
			continue
		}
		s.collector.DatagramReceived(plane)
		id, err := protocol.DecodePrefix(buf[:n])
		if err != nil {
			s.collector.DatagramDropped(plane, conference.DropShortFrame)
			continue
		}
		if ok, reason := s.svc.Attribute(model.PlaneAudio, id, addr); !ok {
			s.collector.DatagramDropped(plane, reason)
			continue
		}
		if err = s.svc.IngestAudio(id, buf[protocol.PrefixLen:n]); err != nil {
			s.collector.DatagramDropped(plane, conference.DropBadLength)
		}
	}
}

func (s *Server) screenLoop() {
	plane := model.PlaneScreen.String()
	buf := make([]byte, s.maxPacket)
	for {
		n, addr, err := s.screen.ReadFromUDP(buf)
		if err != nil {
			if isClosed(err) {
				return
			}
			s.logger.Error().Err(err).Msg("screen receive failed")
			continue
		}
		s.collector.DatagramReceived(plane)
		if n > s.screenCeiling {
			s.collector.DatagramDropped(plane, conference.DropOversize)
			continue
		}
		id, err := protocol.DecodePrefix(buf[:n])
		if err != nil {
			s.collector.DatagramDropped(plane, conference.DropShortFrame)
			continue
		}
		if ok, reason := s.svc.Attribute(model.PlaneScreen, id, addr); !ok {
			s.collector.DatagramDropped(plane, reason)
			continue
		}
		current, active := s.svc.CurrentPresenter()
		if !active || current != id {
			s.collector.DatagramDropped(plane, conference.DropNotPresenter)
			continue
		}
		s.svc.StoreFrame(model.PlaneScreen, id, buf[protocol.PrefixLen:n])
		// No echo: the presenter does not receive its own frames back.
		s.fanOut(s.screen, plane, buf[:n], s.svc.Targets(model.PlaneScreen, id))
	}
}

// fanOut forwards one datagram unchanged to every target. Failed sends are
// tallied, never retried.
func (s *Server) fanOut(conn *net.UDPConn, plane string, frame []byte, targets []memory.Endpoint) {
	for _, t := range targets {
		if _, err := conn.WriteToUDP(frame, t.Addr); err != nil {
			s.collector.SendFailure(plane)
			continue
		}
		s.collector.DatagramForwarded(plane)
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
