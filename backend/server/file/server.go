// Package file implements the transfer plane: one ASCII command per TCP
// connection, then an optional binary body. The header is consumed
// byte-by-byte up to the first newline so no payload bytes are swallowed
// before binary mode begins.
package file

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/catalog"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	maxHeaderLen  = 1024
	downloadChunk = 32 << 10
)

var ErrUnexpected = errors.New("unexpected file server error")

// Service is the conference surface the transfer plane drives.
type Service interface {
	ValidateUpload(clientID uint32, size int64) error
	PublishFile(uploaderID uint32, uploaderName, filename string, blob []byte) model.FileEntry
	FileByID(id uint32) (model.FileEntry, bool)
	DeleteFile(fileID, clientID uint32) error
}

type Config struct {
	Logger              *zerolog.Logger
	Service             Service
	Metrics             metrics.Collector
	ListenAddr          string
	UploadIdleWindow    time.Duration
	DownloadReadyWindow time.Duration
	DownloadWriteWindow time.Duration
}

type Server struct {
	logger      zerolog.Logger
	svc         Service
	collector   metrics.Collector
	listenAddr  string
	idleWindow  time.Duration
	readyWindow time.Duration
	writeWindow time.Duration

	ln      net.Listener
	connsMx sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(cfg Config) *Server {
	return &Server{
		logger:      cfg.Logger.With().Str("component", "file-server").Logger(),
		svc:         cfg.Service,
		collector:   cfg.Metrics,
		listenAddr:  cfg.ListenAddr,
		idleWindow:  cfg.UploadIdleWindow,
		readyWindow: cfg.DownloadReadyWindow,
		writeWindow: cfg.DownloadWriteWindow,
		conns:       make(map[net.Conn]struct{}),
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

	header, err := readHeader(conn, s.idleWindow)
	if err != nil {
		s.logger.Debug().Err(err).Msg("header not received")
		return
	}
	cmd, err := protocol.ParseFileCommand(header)
	if err != nil {
		s.writeLine(conn, protocol.FormatError("Malformed command"))
		return
	}

	switch cmd.Verb {
	case protocol.CmdUpload:
		s.handleUpload(conn, cmd)
	case protocol.CmdDownload:
		s.handleDownload(conn, cmd)
	case protocol.CmdDelete:
		s.handleDelete(conn, cmd)
	}
}

func (s *Server) handleUpload(conn net.Conn, cmd protocol.FileCommand) {
	logger := s.logger.With().
		Uint32("client", cmd.ClientID).
		Str("filename", cmd.Filename).
		Int64("size", cmd.Size).
		Logger()

	if err := s.svc.ValidateUpload(cmd.ClientID, cmd.Size); err != nil {
		switch {
		case errors.Is(err, catalog.ErrTooLarge):
			s.writeLine(conn, protocol.FormatError("File too large"))
		case errors.Is(err, memory.ErrNotFound):
			s.writeLine(conn, protocol.FormatError("Unknown client"))
		default:
			s.writeLine(conn, protocol.FormatError("Upload rejected"))
		}
		logger.Debug().Err(err).Msg("upload rejected")
		return
	}
	s.writeLine(conn, protocol.MsgReady)

	// Read exactly the declared size; a short read discards everything.
	blob := make([]byte, cmd.Size)
	var off int64
	for off < cmd.Size {
		_ = conn.SetReadDeadline(time.Now().Add(s.idleWindow))
		n, err := conn.Read(blob[off:])
		off += int64(n)
		if err != nil {
			if off < cmd.Size {
				logger.Warn().Err(err).Int64("received", off).Msg("incomplete upload discarded")
				return
			}
			break
		}
	}

	entry := s.svc.PublishFile(cmd.ClientID, cmd.Username, cmd.Filename, blob)
	s.writeLine(conn, protocol.FormatUploadSuccess(entry.ID))
}

func (s *Server) handleDownload(conn net.Conn, cmd protocol.FileCommand) {
	entry, ok := s.svc.FileByID(cmd.FileID)
	if !ok {
		s.writeLine(conn, protocol.FormatError("File not found"))
		return
	}
	s.writeLine(conn, protocol.FormatFileHeader(entry))

	// Waiting for the client's READY is best-effort: absent within the
	// window, the body is sent anyway.
	if line, err := readHeader(conn, s.readyWindow); err == nil && line != protocol.MsgReady {
		s.logger.Debug().Str("line", line).Msg("unexpected line instead of ready")
	}

	var off int
	for off < len(entry.Bytes) {
		end := off + downloadChunk
		if end > len(entry.Bytes) {
			end = len(entry.Bytes)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeWindow))
		n, err := conn.Write(entry.Bytes[off:end])
		off += n
		if err != nil {
			s.logger.Warn().Err(err).Uint32("fileID", entry.ID).Msg("download aborted")
			return
		}
	}
	s.collector.BytesDownloaded(entry.Size)
	s.logger.Info().Uint32("fileID", entry.ID).Int64("size", entry.Size).Msg("download served")
}

func (s *Server) handleDelete(conn net.Conn, cmd protocol.FileCommand) {
	err := s.svc.DeleteFile(cmd.FileID, cmd.ClientID)
	switch {
	case err == nil:
		s.writeLine(conn, protocol.FormatDeleteSuccess(cmd.FileID))
	case errors.Is(err, catalog.ErrNotOwner):
		s.writeLine(conn, protocol.FormatError("Not authorized"))
	default:
		s.writeLine(conn, protocol.FormatError("File not found"))
	}
}

func (s *Server) writeLine(conn net.Conn, line string) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeWindow))
	_, _ = conn.Write([]byte(line + "\n"))
}

// readHeader consumes one line byte-by-byte so the binary body that may
// follow is left untouched in the socket.
func readHeader(conn net.Conn, window time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(window))
	var sb strings.Builder
	b := make([]byte, 1)
	for sb.Len() < maxHeaderLen {
		if _, err := conn.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		sb.WriteByte(b[0])
	}
	return "", errors.New("header exceeds length limit")
}
