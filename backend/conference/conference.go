// Package conference is the server's session engine. It composes the
// registry, chat router, audio mixer, presenter arbiter and file catalog,
// and owns every state transition with a cross-plane cascade.
package conference

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/catalog"
	"github.com/adwski/lanmeet/backend/clock"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/mixer"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/protocol"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrAdmit       = errors.New("unable to admit participant")
	ErrBadUsername = errors.New("username is empty or too long")
)

// Drop reasons reported to the metrics collector by datagram planes.
const (
	DropSpoofedID        = "spoofed_id"
	DropUnknownPublisher = "unknown_publisher"
	DropRebindDenied     = "rebind_denied"
	DropShortFrame       = "short_frame"
	DropBadLength        = "bad_length"
	DropNotPresenter     = "not_presenter"
	DropOversize         = "oversize"
)

type Router interface {
	Attach(id uint32, wire model.Wire)
	Detach(id uint32)
	BroadcastLine(line string)
	SendLine(id uint32, line string) bool
	BroadcastGroup(senderID uint32, senderName, body string) model.ChatMessage
	SendPrivate(senderID uint32, senderName string, recipients []uint32, recipientNames, body string) model.ChatMessage
	EmitSystem(body string)
	SendHistory(id uint32)
	HistoryLen() int
}

type Arbiter interface {
	Request(id uint32) (granted, changed bool)
	Release(id uint32) (changed bool)
	Drop(id uint32) (changed bool)
	Current() (uint32, bool)
}

type Conference struct {
	logger    zerolog.Logger
	registry  *memory.Store
	router    Router
	mixr      *mixer.Mixer
	arbiter   Arbiter
	files     *catalog.Catalog
	collector metrics.Collector

	clientIDs *clock.IDSource
	fileIDs   *clock.IDSource

	maxUsernameLen int
	startedAt      time.Time

	framesMx sync.Mutex
	frames   map[model.Plane]map[uint32][]byte

	events *hub
}

type Config struct {
	Logger         *zerolog.Logger
	Registry       *memory.Store
	Router         Router
	Mixer          *mixer.Mixer
	Arbiter        Arbiter
	Catalog        *catalog.Catalog
	Metrics        metrics.Collector
	MaxUsernameLen int
}

func New(cfg Config) *Conference {
	return &Conference{
		logger:         cfg.Logger.With().Str("component", "conference").Logger(),
		registry:       cfg.Registry,
		router:         cfg.Router,
		mixr:           cfg.Mixer,
		arbiter:        cfg.Arbiter,
		files:          cfg.Catalog,
		collector:      cfg.Metrics,
		clientIDs:      clock.NewIDSource(0),
		fileIDs:        clock.NewIDSource(1),
		maxUsernameLen: cfg.MaxUsernameLen,
		startedAt:      time.Now(),
		frames: map[model.Plane]map[uint32][]byte{
			model.PlaneVideo:  make(map[uint32][]byte),
			model.PlaneScreen: make(map[uint32][]byte),
		},
		events: newHub(),
	}
}

// Join admits a participant: assign an id, insert into the roster, announce
// the updated roster to everyone, then stream the history to the newcomer.
// The wire's writer pump must already be draining before Join is called.
func (c *Conference) Join(username string, wire model.Wire) (uint32, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > c.maxUsernameLen {
		return 0, ErrBadUsername
	}
	id := c.clientIDs.Next()
	err := c.registry.Add(model.Participant{
		ID:       id,
		Username: username,
		JoinedAt: time.Now(),
	})
	if err != nil {
		return 0, errors.Join(ErrAdmit, err)
	}
	c.router.Attach(id, wire)
	c.collector.ParticipantJoined()

	c.router.SendLine(id, protocol.FormatID(id))
	c.router.BroadcastLine(protocol.FormatRoster(c.registry.Snapshot()))
	c.router.SendHistory(id)
	c.router.EmitSystem(fmt.Sprintf("%s joined", username))
	c.events.publish(model.Event{Type: model.EventJoined, ID: id, Payload: username})

	c.logger.Info().
		Uint32("id", id).
		Str("username", username).
		Msg("participant joined")
	return id, nil
}

// Leave removes a participant and cascades: detaches the wire, clears frame
// slots and the audio bucket, releases the presenter lock if held, then
// announces the departure and the new roster. Idempotent.
func (c *Conference) Leave(id uint32) {
	p, ok := c.registry.Remove(id)
	if !ok {
		return
	}
	c.router.Detach(id)
	c.mixr.Forget(id)
	c.dropFrames(id)
	c.collector.ParticipantLeft()

	if c.arbiter.Drop(id) {
		c.router.BroadcastLine(protocol.FormatPresenter(0, false))
		c.events.publish(model.Event{Type: model.EventPresenterChange, Payload: "none"})
	}
	c.router.EmitSystem(fmt.Sprintf("%s left", p.Username))
	c.router.BroadcastLine(protocol.FormatRoster(c.registry.Snapshot()))
	c.events.publish(model.Event{Type: model.EventLeft, ID: id, Payload: p.Username})

	c.logger.Info().
		Uint32("id", id).
		Str("username", p.Username).
		Msg("participant left")
}

// GroupChat broadcasts a group message from a live sender.
func (c *Conference) GroupChat(senderID uint32, body string) {
	p, ok := c.registry.Get(senderID)
	if !ok {
		return
	}
	c.router.BroadcastGroup(senderID, p.Username, body)
}

// PrivateChat delivers a private message to the live subset of the requested
// recipients; unknown ids are ignored. The sender is implicitly copied.
func (c *Conference) PrivateChat(senderID uint32, recipients []uint32, body string) {
	sender, ok := c.registry.Get(senderID)
	if !ok {
		return
	}
	live := make([]uint32, 0, len(recipients))
	names := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if p, known := c.registry.Get(id); known {
			live = append(live, id)
			names = append(names, p.Username)
		}
	}
	if len(live) == 0 {
		return
	}
	c.router.SendPrivate(senderID, sender.Username, live, strings.Join(names, ","), body)
}

// Exists reports whether an id belongs to a live participant.
func (c *Conference) Exists(id uint32) bool {
	_, ok := c.registry.Get(id)
	return ok
}

// PresenterRequest runs the arbiter transition and, on a grant, announces the
// presenter change on the control plane.
func (c *Conference) PresenterRequest(id uint32) bool {
	granted, changed := c.arbiter.Request(id)
	if changed {
		c.router.BroadcastLine(protocol.FormatPresenter(id, true))
		c.events.publish(model.Event{Type: model.EventPresenterChange, ID: id})
		c.logger.Info().Uint32("id", id).Msg("presenter granted")
	}
	return granted
}

// PresenterRelease clears the lock when the holder gives it up.
func (c *Conference) PresenterRelease(id uint32) {
	if c.arbiter.Release(id) {
		c.router.BroadcastLine(protocol.FormatPresenter(0, false))
		c.events.publish(model.Event{Type: model.EventPresenterChange, Payload: "none"})
		c.logger.Info().Uint32("id", id).Msg("presenter released")
	}
}

// PresenterDrop is the disconnect path of PresenterRelease.
func (c *Conference) PresenterDrop(id uint32) {
	c.PresenterRelease(id)
}

// CurrentPresenter returns the active presenter, if any.
func (c *Conference) CurrentPresenter() (uint32, bool) {
	return c.arbiter.Current()
}

// Attribute validates a datagram's declared publisher id against the
// registry's endpoint binding, learning the endpoint on first contact.
// A non-empty reason means the datagram must be dropped.
func (c *Conference) Attribute(plane model.Plane, declared uint32, addr *net.UDPAddr) (ok bool, reason string) {
	now := time.Now()
	if id, bound := c.registry.ResolveDatagram(plane, addr, now); bound {
		if id != declared {
			return false, DropSpoofedID
		}
		return true, ""
	}
	err := c.registry.BindDatagram(plane, declared, addr, now)
	switch {
	case err == nil:
		c.logger.Debug().
			Uint32("id", declared).
			Str("plane", plane.String()).
			Str("addr", addr.String()).
			Msg("datagram endpoint learned")
		return true, ""
	case errors.Is(err, memory.ErrRebindDenied):
		return false, DropRebindDenied
	default:
		return false, DropUnknownPublisher
	}
}

// StoreFrame retains the latest opaque frame per publisher.
func (c *Conference) StoreFrame(plane model.Plane, id uint32, payload []byte) {
	frame := make([]byte, len(payload))
	copy(frame, payload)
	c.framesMx.Lock()
	c.frames[plane][id] = frame
	c.framesMx.Unlock()
}

func (c *Conference) dropFrames(id uint32) {
	c.framesMx.Lock()
	for _, slots := range c.frames {
		delete(slots, id)
	}
	c.framesMx.Unlock()
}

// Targets returns the bound endpoints of a plane excluding the publisher.
func (c *Conference) Targets(plane model.Plane, except uint32) []memory.Endpoint {
	return c.registry.Endpoints(plane, except)
}

// IngestAudio parks a publisher's PCM chunk for the next mix tick.
func (c *Conference) IngestAudio(id uint32, pcm []byte) error {
	return c.mixr.Ingest(id, pcm, time.Now())
}

// AudioRecipients implements mixer.Recipients over the registry.
func (c *Conference) AudioRecipients() []mixer.Recipient {
	eps := c.registry.AllEndpoints(model.PlaneAudio)
	recipients := make([]mixer.Recipient, 0, len(eps))
	for _, ep := range eps {
		recipients = append(recipients, mixer.Recipient{ID: ep.ID, Addr: ep.Addr})
	}
	return recipients
}

// ValidateUpload runs the pre-transfer checks: declared size within the
// limit and a live uploader.
func (c *Conference) ValidateUpload(clientID uint32, size int64) error {
	if err := c.files.CheckSize(size); err != nil {
		return err
	}
	if !c.Exists(clientID) {
		return memory.ErrNotFound
	}
	return nil
}

// PublishFile inserts a fully received blob into the catalog and offers it
// to every participant, the uploader included.
func (c *Conference) PublishFile(uploaderID uint32, uploaderName, filename string, blob []byte) model.FileEntry {
	entry := model.FileEntry{
		ID:           c.fileIDs.Next(),
		Name:         filename,
		Size:         int64(len(blob)),
		UploaderID:   uploaderID,
		UploaderName: uploaderName,
		CreatedAt:    time.Now(),
		Bytes:        blob,
	}
	c.files.Put(entry)
	c.collector.FileStored(entry.Size)
	c.router.BroadcastLine(protocol.FormatFileOffer(entry))
	c.events.publish(model.Event{Type: model.EventFileOffer, ID: entry.ID, Payload: entry.Name})
	c.logger.Info().
		Uint32("fileID", entry.ID).
		Str("filename", entry.Name).
		Int64("size", entry.Size).
		Uint32("uploader", uploaderID).
		Msg("file published")
	return entry
}

// FileByID looks up a catalog entry.
func (c *Conference) FileByID(id uint32) (model.FileEntry, bool) {
	return c.files.Get(id)
}

// DeleteFile removes an entry on behalf of its uploader and announces the
// removal. The error distinguishes absence from a failed owner check.
func (c *Conference) DeleteFile(fileID, clientID uint32) error {
	entry, err := c.files.Delete(fileID, clientID)
	if err != nil {
		return err
	}
	c.collector.FileDeleted(entry.Size)
	c.router.BroadcastLine(protocol.FormatFileDeleted(fileID))
	c.events.publish(model.Event{Type: model.EventFileDeleted, ID: fileID, Payload: entry.Name})
	c.logger.Info().Uint32("fileID", fileID).Uint32("by", clientID).Msg("file deleted")
	return nil
}

// Files returns the catalog ordered by id.
func (c *Conference) Files() []model.FileEntry {
	return c.files.List()
}

// Roster returns the id-ordered roster snapshot.
func (c *Conference) Roster() []model.RosterEntry {
	return c.registry.Snapshot()
}

// Stats is the status server's JSON summary.
type Stats struct {
	Participants  int    `json:"participants"`
	Presenter     string `json:"presenter"`
	Files         int    `json:"files"`
	ChatHistory   int    `json:"chat_history"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (c *Conference) Stats() Stats {
	presenter := "none"
	if id, active := c.arbiter.Current(); active {
		presenter = fmt.Sprintf("%d", id)
	}
	return Stats{
		Participants:  c.registry.Len(),
		Presenter:     presenter,
		Files:         c.files.Len(),
		ChatHistory:   c.router.HistoryLen(),
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
	}
}

// Subscribe taps the system-event feed. The returned cancel must be called
// when the subscriber goes away.
func (c *Conference) Subscribe() (<-chan model.Event, func()) {
	return c.events.subscribe()
}
