// Package control implements the reliable control plane: registration,
// roster, chat and notifications over line-oriented TCP.
package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

const maxLineLen = 4096

var ErrUnexpected = errors.New("unexpected control server error")

// Service is the conference surface the control plane drives.
type Service interface {
	Join(username string, wire model.Wire) (uint32, error)
	Leave(id uint32)
	GroupChat(senderID uint32, body string)
	PrivateChat(senderID uint32, recipients []uint32, body string)
}

type Config struct {
	Logger         *zerolog.Logger
	Service        Service
	Metrics        metrics.Collector
	ListenAddr     string
	RegisterWindow time.Duration
	WriteDeadline  time.Duration
}

type Server struct {
	logger         zerolog.Logger
	svc            Service
	collector      metrics.Collector
	listenAddr     string
	registerWindow time.Duration
	writeDeadline  time.Duration

	ln      net.Listener
	connsMx sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(cfg Config) *Server {
	return &Server{
		logger:         cfg.Logger.With().Str("component", "control-server").Logger(),
		svc:            cfg.Service,
		collector:      cfg.Metrics,
		listenAddr:     cfg.ListenAddr,
		registerWindow: cfg.RegisterWindow,
		writeDeadline:  cfg.WriteDeadline,
		conns:          make(map[net.Conn]struct{}),
	}
}

// Listen binds the endpoint. Kept separate from Run so startup can unwind
// all planes when any single bind fails.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close releases the bound endpoint; used when startup unwinds.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		s.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
		s.closeConns()
	}()

	s.logger.Info().Str("addr", s.ln.Addr().String()).Msg("server started")

	connsWG := &sync.WaitGroup{}
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				errc <- errors.Join(ErrUnexpected, err)
			}
			break
		}
		connsWG.Add(1)
		go func() {
			defer connsWG.Done()
			s.handleConn(conn)
		}()
	}
	connsWG.Wait()
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connsMx.Lock()
	defer s.connsMx.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.connsMx.Lock()
	defer s.connsMx.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// handleConn runs the registration handshake, then splits into the reader
// loop (this goroutine) and the writer pump draining the participant's wire.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	s.trackConn(conn, true)
	defer s.trackConn(conn, false)

	_ = conn.SetReadDeadline(time.Now().Add(s.registerWindow))
	reader := bufio.NewReaderSize(conn, maxLineLen)

	line, err := readLine(reader)
	if err != nil {
		s.logger.Debug().Err(err).Msg("registration not received")
		return
	}
	cmd, err := protocol.ParseControl(line)
	if err != nil || cmd.Verb != protocol.CmdRegister {
		s.writeLine(conn, protocol.FormatError("Malformed registration"))
		return
	}

	wire := model.NewWire()
	go s.writerPump(conn, wire)

	id, err := s.svc.Join(cmd.Username, wire)
	if err != nil {
		if errors.Is(err, memory.ErrRosterFull) {
			s.writeLine(conn, protocol.FormatError("Server full"))
		} else {
			s.writeLine(conn, protocol.FormatError("Malformed registration"))
		}
		close(wire.Done)
		return
	}

	logger := s.logger.With().Uint32("id", id).Str("username", cmd.Username).Logger()
	_ = conn.SetReadDeadline(time.Time{})

	for {
		line, err = readLine(reader)
		if err != nil {
			logger.Debug().Err(err).Msg("connection closed")
			break
		}
		cmd, err = protocol.ParseControl(line)
		if err != nil {
			logger.Debug().Err(err).Str("line", line).Msg("unparseable control line")
			continue
		}
		switch cmd.Verb {
		case protocol.CmdChatMessage:
			s.svc.GroupChat(id, cmd.Body)
		case protocol.CmdPrivateChat:
			s.svc.PrivateChat(id, cmd.Recipients, cmd.Body)
		case protocol.CmdPing:
			select {
			case wire.TX <- protocol.MsgPong:
			default:
			}
		default:
			logger.Debug().Str("verb", cmd.Verb).Msg("unexpected verb after registration")
		}
	}

	s.svc.Leave(id)
}

// writerPump is the single writer of the connection. It closes the
// connection on exit so the reader loop unblocks and surfaces removal.
func (s *Server) writerPump(conn net.Conn, wire model.Wire) {
	defer func() {
		_ = conn.Close()
	}()
	for {
		select {
		case <-wire.Done:
			return
		case line := <-wire.TX:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				s.logger.Debug().Err(err).Msg("control write failed")
				_ = conn.Close()
				return
			}
			s.collector.ControlLineSent()
		}
	}
}

func (s *Server) writeLine(conn net.Conn, line string) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeDeadline))
	_, _ = conn.Write([]byte(line + "\n"))
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
