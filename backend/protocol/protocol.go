// Package protocol implements the wire formats of all six planes: the
// line-oriented control, screen-control and file-transfer streams, and the
// id-prefixed media datagram framing. Lines are exchanged without their
// trailing newline; the transport layers append/strip it.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adwski/lanmeet/backend/model"
)

// Control-plane verbs.
const (
	CmdRegister    = "REGISTER"
	CmdChatMessage = "CHAT_MESSAGE"
	CmdPrivateChat = "PRIVATE_CHAT"
	CmdPing        = "PING"

	MsgPong         = "PONG"
	MsgHistoryBegin = "HISTORY_BEGIN"
	MsgHistoryEnd   = "HISTORY_END"
)

// Screen-control lines.
const (
	CmdHello            = "HELLO"
	CmdRequestPresenter = "REQUEST_PRESENTER"
	CmdReleasePresenter = "RELEASE_PRESENTER"

	MsgPresenterOK     = "PRESENTER_OK"
	MsgPresenterDenied = "PRESENTER_DENIED"
)

// File-transfer verbs.
const (
	CmdUpload   = "UPLOAD"
	CmdDownload = "DOWNLOAD"
	CmdDelete   = "DELETE"

	MsgReady = "READY"
)

var (
	ErrEmptyLine  = errors.New("empty line")
	ErrBadCommand = errors.New("unknown command")
	ErrBadFields  = errors.New("malformed fields")
	ErrShortFrame = errors.New("datagram shorter than id prefix")
)

// Command is a parsed inbound control-plane line.
type Command struct {
	Verb       string
	Username   string   // REGISTER
	Recipients []uint32 // PRIVATE_CHAT
	Body       string   // CHAT_MESSAGE, PRIVATE_CHAT
}

// ParseControl parses one inbound control line (without the newline).
func ParseControl(line string) (Command, error) {
	if line == "" {
		return Command{}, ErrEmptyLine
	}
	verb, rest, _ := strings.Cut(line, ":")
	switch verb {
	case CmdRegister:
		if rest == "" {
			return Command{}, fmt.Errorf("%w: register needs a username", ErrBadFields)
		}
		return Command{Verb: CmdRegister, Username: rest}, nil
	case CmdChatMessage:
		return Command{Verb: CmdChatMessage, Body: rest}, nil
	case CmdPrivateChat:
		ids, body, ok := strings.Cut(rest, ":")
		if !ok {
			return Command{}, fmt.Errorf("%w: private chat needs recipients and body", ErrBadFields)
		}
		recipients, err := parseIDList(ids)
		if err != nil {
			return Command{}, err
		}
		return Command{Verb: CmdPrivateChat, Recipients: recipients, Body: body}, nil
	case CmdPing:
		return Command{Verb: CmdPing}, nil
	}
	return Command{}, fmt.Errorf("%w: %s", ErrBadCommand, verb)
}

func parseIDList(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad recipient id %q", ErrBadFields, p)
		}
		ids = append(ids, uint32(id))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no recipient ids", ErrBadFields)
	}
	return ids, nil
}

// ParseHello parses the screen-control plane's identity line.
func ParseHello(line string) (uint32, error) {
	verb, rest, ok := strings.Cut(line, ":")
	if !ok || verb != CmdHello {
		return 0, fmt.Errorf("%w: expected %s", ErrBadCommand, CmdHello)
	}
	id, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad client id %q", ErrBadFields, rest)
	}
	return uint32(id), nil
}

// FileCommand is a parsed file-transfer header line.
type FileCommand struct {
	Verb     string
	ClientID uint32 // UPLOAD, DELETE
	Username string // UPLOAD
	Filename string // UPLOAD
	Size     int64  // UPLOAD
	FileID   uint32 // DOWNLOAD, DELETE
}

// ParseFileCommand parses the single command line of a transfer connection.
func ParseFileCommand(line string) (FileCommand, error) {
	if line == "" {
		return FileCommand{}, ErrEmptyLine
	}
	verb, rest, _ := strings.Cut(line, ":")
	switch verb {
	case CmdUpload:
		parts := strings.SplitN(rest, ":", 4)
		if len(parts) != 4 {
			return FileCommand{}, fmt.Errorf("%w: upload needs 4 fields", ErrBadFields)
		}
		clientID, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return FileCommand{}, fmt.Errorf("%w: bad client id %q", ErrBadFields, parts[0])
		}
		size, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || size < 0 {
			return FileCommand{}, fmt.Errorf("%w: bad size %q", ErrBadFields, parts[3])
		}
		if parts[2] == "" {
			return FileCommand{}, fmt.Errorf("%w: empty filename", ErrBadFields)
		}
		return FileCommand{
			Verb:     CmdUpload,
			ClientID: uint32(clientID),
			Username: parts[1],
			Filename: parts[2],
			Size:     size,
		}, nil
	case CmdDownload:
		fid, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return FileCommand{}, fmt.Errorf("%w: bad file id %q", ErrBadFields, rest)
		}
		return FileCommand{Verb: CmdDownload, FileID: uint32(fid)}, nil
	case CmdDelete:
		fidStr, cidStr, ok := strings.Cut(rest, ":")
		if !ok {
			return FileCommand{}, fmt.Errorf("%w: delete needs file and client id", ErrBadFields)
		}
		fid, err := strconv.ParseUint(fidStr, 10, 32)
		if err != nil {
			return FileCommand{}, fmt.Errorf("%w: bad file id %q", ErrBadFields, fidStr)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return FileCommand{}, fmt.Errorf("%w: bad client id %q", ErrBadFields, cidStr)
		}
		return FileCommand{Verb: CmdDelete, FileID: uint32(fid), ClientID: uint32(cid)}, nil
	}
	return FileCommand{}, fmt.Errorf("%w: %s", ErrBadCommand, verb)
}

// Outbound line builders.

func FormatID(id uint32) string {
	return "ID:" + strconv.FormatUint(uint64(id), 10)
}

// FormatRoster encodes an id-ordered snapshot as id:username pairs joined by |.
func FormatRoster(entries []model.RosterEntry) string {
	var sb strings.Builder
	sb.WriteString("ROSTER:")
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(strconv.FormatUint(uint64(e.ID), 10))
		sb.WriteByte(':')
		sb.WriteString(e.Username)
	}
	return sb.String()
}

func FormatChat(msg model.ChatMessage) string {
	return fmt.Sprintf("CHAT:%d:%s:%s:%s", msg.SenderID, msg.SenderName, msg.Stamp, msg.Body)
}

func FormatPrivate(msg model.ChatMessage, recipientNames string) string {
	return fmt.Sprintf("PRIVATE:%d:%s:%s:%s:%s",
		msg.SenderID, msg.SenderName, msg.Stamp, recipientNames, msg.Body)
}

func FormatSystem(body string) string {
	return "SYSTEM:" + body
}

func FormatPresenter(id uint32, active bool) string {
	if !active {
		return "PRESENTER:NONE"
	}
	return "PRESENTER:" + strconv.FormatUint(uint64(id), 10)
}

func FormatFileOffer(f model.FileEntry) string {
	return fmt.Sprintf("FILE_OFFER:%d:%s:%d:%s:%d", f.ID, f.Name, f.Size, f.UploaderName, f.UploaderID)
}

func FormatFileDeleted(fileID uint32) string {
	return "FILE_DELETED:" + strconv.FormatUint(uint64(fileID), 10)
}

func FormatError(reason string) string {
	return "ERROR:" + reason
}

func FormatUploadSuccess(fileID uint32) string {
	return "SUCCESS:" + strconv.FormatUint(uint64(fileID), 10)
}

func FormatFileHeader(f model.FileEntry) string {
	return fmt.Sprintf("FILE:%s:%d", f.Name, f.Size)
}

func FormatDeleteSuccess(fileID uint32) string {
	return "DELETE_SUCCESS:" + strconv.FormatUint(uint64(fileID), 10)
}

// Media datagram framing: 4-byte big-endian publisher id, then opaque payload.

const PrefixLen = 4

// DecodePrefix extracts the publisher id from a media datagram.
func DecodePrefix(b []byte) (uint32, error) {
	if len(b) < PrefixLen {
		return 0, ErrShortFrame
	}
	return binary.BigEndian.Uint32(b[:PrefixLen]), nil
}

// EncodePrefix builds a framed datagram from a publisher id and payload.
func EncodePrefix(id uint32, payload []byte) []byte {
	b := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(b, id)
	copy(b[PrefixLen:], payload)
	return b
}
