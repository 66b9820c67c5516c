package conference_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/adwski/lanmeet/backend/catalog"
	"github.com/adwski/lanmeet/backend/chat"
	"github.com/adwski/lanmeet/backend/conference"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/mixer"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/presenter"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

func newConference(t *testing.T, maxUsers int) *conference.Conference {
	t.Helper()
	logger := zerolog.Nop()
	mixr := mixer.New(mixer.Config{
		Logger:       &logger,
		ChunkBytes:   2048,
		Tick:         23 * time.Millisecond,
		StaleHorizon: time.Second,
	})
	router := chat.NewRouter(chat.Config{
		Logger:         &logger,
		DeliverTimeout: time.Second,
	})
	return conference.New(conference.Config{
		Logger:         &logger,
		Registry:       memory.NewStore(maxUsers, 5*time.Second),
		Router:         router,
		Mixer:          mixr,
		Arbiter:        presenter.NewArbiter(),
		Catalog:        catalog.New(1 << 20),
		Metrics:        metrics.NewPrometheusCollector(),
		MaxUsernameLen: 64,
	})
}

func recv(t *testing.T, wire model.Wire) string {
	t.Helper()
	select {
	case line := <-wire.TX:
		return line
	case <-time.After(time.Second):
		t.Fatalf("no line within deadline")
		return ""
	}
}

func drain(t *testing.T, wire model.Wire, n int) []string {
	t.Helper()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, recv(t, wire))
	}
	return lines
}

func TestJoin_AdmissionSequence(t *testing.T) {
	c := newConference(t, 10)
	alice := model.NewWire()
	id, err := c.Join("Alice", alice)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected id 0, got %d", id)
	}
	lines := drain(t, alice, 5)
	if lines[0] != "ID:0" {
		t.Fatalf("expected ID first, got %q", lines[0])
	}
	if lines[1] != "ROSTER:0:Alice" {
		t.Fatalf("unexpected roster %q", lines[1])
	}
	if lines[2] != "HISTORY_BEGIN" || lines[3] != "HISTORY_END" {
		t.Fatalf("unexpected history framing: %q %q", lines[2], lines[3])
	}
	if lines[4] != "SYSTEM:Alice joined" {
		t.Fatalf("unexpected join notice %q", lines[4])
	}
}

func TestJoin_SecondParticipantUpdatesFirst(t *testing.T) {
	c := newConference(t, 10)
	alice, bob := model.NewWire(), model.NewWire()
	if _, err := c.Join("Alice", alice); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 5)
	if _, err := c.Join("Bob", bob); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if line := recv(t, alice); line != "ROSTER:0:Alice|1:Bob" {
		t.Fatalf("unexpected roster at alice %q", line)
	}
	if line := recv(t, alice); line != "SYSTEM:Bob joined" {
		t.Fatalf("unexpected notice at alice %q", line)
	}
}

func TestJoin_CapacityAndUsernameChecks(t *testing.T) {
	c := newConference(t, 1)
	if _, err := c.Join("Alice", model.NewWire()); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	_, err := c.Join("Bob", model.NewWire())
	if !errors.Is(err, memory.ErrRosterFull) {
		t.Fatalf("expected ErrRosterFull, got %v", err)
	}
	if _, err = c.Join("", model.NewWire()); !errors.Is(err, conference.ErrBadUsername) {
		t.Fatalf("expected ErrBadUsername, got %v", err)
	}
	if _, err = c.Join(strings.Repeat("x", 65), model.NewWire()); !errors.Is(err, conference.ErrBadUsername) {
		t.Fatalf("expected ErrBadUsername for long name, got %v", err)
	}
}

func TestLeave_CascadeReleasesPresenter(t *testing.T) {
	c := newConference(t, 10)
	alice, bob := model.NewWire(), model.NewWire()
	if _, err := c.Join("Alice", alice); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 5)
	if _, err := c.Join("Bob", bob); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 2)
	drain(t, bob, 5)

	if !c.PresenterRequest(0) {
		t.Fatalf("presenter request must succeed")
	}
	if line := recv(t, bob); line != "PRESENTER:0" {
		t.Fatalf("unexpected presenter line %q", line)
	}
	drain(t, alice, 1)

	c.Leave(0)
	if line := recv(t, bob); line != "PRESENTER:NONE" {
		t.Fatalf("expected PRESENTER:NONE, got %q", line)
	}
	if line := recv(t, bob); line != "SYSTEM:Alice left" {
		t.Fatalf("expected leave notice, got %q", line)
	}
	if line := recv(t, bob); line != "ROSTER:1:Bob" {
		t.Fatalf("expected post-leave roster, got %q", line)
	}
	if _, active := c.CurrentPresenter(); active {
		t.Fatalf("presenter survived the holder's departure")
	}
	// A follow-up request from the survivor succeeds.
	if !c.PresenterRequest(1) {
		t.Fatalf("presenter request after release must succeed")
	}
}

func TestLeave_Idempotent(t *testing.T) {
	c := newConference(t, 10)
	alice := model.NewWire()
	if _, err := c.Join("Alice", alice); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	c.Leave(0)
	c.Leave(0) // second leave is a no-op
	if got := len(c.Roster()); got != 0 {
		t.Fatalf("expected empty roster, got %d", got)
	}
}

func TestPrivateChat_IgnoresUnknownRecipients(t *testing.T) {
	c := newConference(t, 10)
	alice, bob := model.NewWire(), model.NewWire()
	if _, err := c.Join("Alice", alice); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 5)
	if _, err := c.Join("Bob", bob); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 2)
	drain(t, bob, 5)

	c.PrivateChat(0, []uint32{1, 99}, "hello b")
	line := recv(t, bob)
	if !strings.HasPrefix(line, "PRIVATE:0:Alice:") || !strings.HasSuffix(line, ":Bob:hello b") {
		t.Fatalf("unexpected private line %q", line)
	}
	// Sender is copied.
	line = recv(t, alice)
	if !strings.HasPrefix(line, "PRIVATE:0:Alice:") {
		t.Fatalf("sender missed the copy: %q", line)
	}
}

func TestPublishAndDeleteFile(t *testing.T) {
	c := newConference(t, 10)
	alice := model.NewWire()
	if _, err := c.Join("Alice", alice); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	drain(t, alice, 5)

	entry := c.PublishFile(0, "Alice", "r.bin", make([]byte, 64))
	if entry.ID != 1 || entry.Size != 64 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if line := recv(t, alice); line != "FILE_OFFER:1:r.bin:64:Alice:0" {
		t.Fatalf("unexpected offer line %q", line)
	}

	if err := c.DeleteFile(1, 5); !errors.Is(err, catalog.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := c.DeleteFile(1, 0); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if line := recv(t, alice); line != "FILE_DELETED:1" {
		t.Fatalf("unexpected deletion line %q", line)
	}
	if _, ok := c.FileByID(1); ok {
		t.Fatalf("entry survived deletion")
	}
}

func TestSubscribe_ReceivesSystemEvents(t *testing.T) {
	c := newConference(t, 10)
	feed, cancel := c.Subscribe()
	defer cancel()

	if _, err := c.Join("Alice", model.NewWire()); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	select {
	case ev := <-feed:
		if ev.Type != model.EventJoined || ev.Payload != "Alice" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event within deadline")
	}
}

func TestValidateUpload(t *testing.T) {
	c := newConference(t, 10)
	if _, err := c.Join("Alice", model.NewWire()); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := c.ValidateUpload(0, 1<<20); err != nil {
		t.Fatalf("valid upload rejected: %v", err)
	}
	if err := c.ValidateUpload(0, 1<<20+1); !errors.Is(err, catalog.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if err := c.ValidateUpload(42, 10); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for dead uploader, got %v", err)
	}
}
