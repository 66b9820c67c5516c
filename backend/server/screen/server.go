// Package screen implements the presenter-lifecycle stream plane. Each
// client opens a dedicated TCP connection, identifies itself with a HELLO
// line, then requests or releases the presenter lock.
package screen

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/rs/zerolog"
)

var ErrUnexpected = errors.New("unexpected screen-control server error")

// Service is the conference surface the presenter plane drives.
type Service interface {
	Exists(id uint32) bool
	PresenterRequest(id uint32) bool
	PresenterRelease(id uint32)
	PresenterDrop(id uint32)
}

type Config struct {
	Logger        *zerolog.Logger
	Service       Service
	ListenAddr    string
	HelloWindow   time.Duration
	WriteDeadline time.Duration
}

type Server struct {
	logger        zerolog.Logger
	svc           Service
	listenAddr    string
	helloWindow   time.Duration
	writeDeadline time.Duration

	ln      net.Listener
	connsMx sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(cfg Config) *Server {
	return &Server{
		logger:        cfg.Logger.With().Str("component", "screen-control-server").Logger(),
		svc:           cfg.Service,
		listenAddr:    cfg.ListenAddr,
		helloWindow:   cfg.HelloWindow,
		writeDeadline: cfg.WriteDeadline,
		conns:         make(map[net.Conn]struct{}),
	}
}

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

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	s.trackConn(conn, true)
	defer s.trackConn(conn, false)

	_ = conn.SetReadDeadline(time.Now().Add(s.helloWindow))
	reader := bufio.NewReader(conn)

	line, err := readLine(reader)
	if err != nil {
		s.logger.Debug().Err(err).Msg("hello not received")
		return
	}
	id, err := protocol.ParseHello(line)
	if err != nil || !s.svc.Exists(id) {
		s.writeLine(conn, protocol.FormatError("Unknown client"))
		return
	}

	logger := s.logger.With().Uint32("id", id).Logger()
	_ = conn.SetReadDeadline(time.Time{})

	for {
		line, err = readLine(reader)
		if err != nil {
			logger.Debug().Err(err).Msg("connection closed")
			break
		}
		switch line {
		case protocol.CmdRequestPresenter:
			// Reply is written before the next request is read, so grants
			// and denials stay ordered per connection.
			if s.svc.PresenterRequest(id) {
				s.writeLine(conn, protocol.MsgPresenterOK)
			} else {
				s.writeLine(conn, protocol.MsgPresenterDenied)
			}
		case protocol.CmdReleasePresenter:
			s.svc.PresenterRelease(id)
		default:
			logger.Debug().Str("line", line).Msg("unexpected screen-control line")
		}
	}

	// The lock does not survive its holder's screen-control stream.
	s.svc.PresenterDrop(id)
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
