package file_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/lanmeet/backend/catalog"
	"github.com/adwski/lanmeet/backend/chat"
	"github.com/adwski/lanmeet/backend/conference"
	"github.com/adwski/lanmeet/backend/metrics"
	"github.com/adwski/lanmeet/backend/mixer"
	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/presenter"
	"github.com/adwski/lanmeet/backend/server/file"
	"github.com/adwski/lanmeet/backend/storage/memory"
	"github.com/rs/zerolog"
)

type fixture struct {
	conf *conference.Conference
	addr string
}

func startServer(t *testing.T, maxFileSize int64) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	router := chat.NewRouter(chat.Config{
		Logger:         &logger,
		DeliverTimeout: time.Second,
	})
	mixr := mixer.New(mixer.Config{
		Logger:       &logger,
		ChunkBytes:   2048,
		Tick:         23 * time.Millisecond,
		StaleHorizon: time.Second,
	})
	conf := conference.New(conference.Config{
		Logger:         &logger,
		Registry:       memory.NewStore(10, 5*time.Second),
		Router:         router,
		Mixer:          mixr,
		Arbiter:        presenter.NewArbiter(),
		Catalog:        catalog.New(maxFileSize),
		Metrics:        metrics.NewPrometheusCollector(),
		MaxUsernameLen: 64,
	})
	srv := file.NewServer(file.Config{
		Logger:              &logger,
		Service:             conf,
		Metrics:             metrics.NewPrometheusCollector(),
		ListenAddr:          "127.0.0.1:0",
		UploadIdleWindow:    2 * time.Second,
		DownloadReadyWindow: 200 * time.Millisecond,
		DownloadWriteWindow: 2 * time.Second,
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go srv.Run(ctx, wg, make(chan error, 1))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &fixture{conf: conf, addr: srv.Addr().String()}
}

func join(t *testing.T, conf *conference.Conference, username string) (uint32, model.Wire) {
	t.Helper()
	wire := model.NewWire()
	id, err := conf.Join(username, wire)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		select {
		case <-wire.TX:
		case <-time.After(time.Second):
			t.Fatalf("admission line missing")
		}
	}
	return id, wire
}

func dialCmd(t *testing.T, addr, header string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if _, err = conn.Write([]byte(header + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return conn, bufio.NewReader(conn)
}

func readLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func wireRecv(t *testing.T, wire model.Wire) string {
	t.Helper()
	select {
	case line := <-wire.TX:
		return line
	case <-time.After(2 * time.Second):
		t.Fatalf("no control line within deadline")
		return ""
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	f := startServer(t, 100<<20)
	_, aliceWire := join(t, f.conf, "Alice")

	blob := make([]byte, 1<<20)
	rng := rand.New(rand.NewSource(42))
	rng.Read(blob)

	conn, r := dialCmd(t, f.addr, "UPLOAD:0:Alice:r.bin:1048576")
	if line := readLine(t, conn, r); line != "READY" {
		t.Fatalf("expected READY, got %q", line)
	}
	if _, err := conn.Write(blob); err != nil {
		t.Fatalf("body write failed: %v", err)
	}
	if line := readLine(t, conn, r); line != "SUCCESS:1" {
		t.Fatalf("expected SUCCESS:1, got %q", line)
	}
	if line := wireRecv(t, aliceWire); line != "FILE_OFFER:1:r.bin:1048576:Alice:0" {
		t.Fatalf("unexpected offer line %q", line)
	}

	dlConn, dlReader := dialCmd(t, f.addr, "DOWNLOAD:1")
	if line := readLine(t, dlConn, dlReader); line != "FILE:r.bin:1048576" {
		t.Fatalf("unexpected file header %q", line)
	}
	if _, err := dlConn.Write([]byte("READY\n")); err != nil {
		t.Fatalf("ready write failed: %v", err)
	}
	got := make([]byte, len(blob))
	_ = dlConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(dlReader, got); err != nil {
		t.Fatalf("body read failed: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("downloaded bytes differ from the upload")
	}
}

func TestDownloadWithoutReadyStillServes(t *testing.T) {
	f := startServer(t, 1<<20)
	join(t, f.conf, "Alice")
	f.conf.PublishFile(0, "Alice", "x.bin", []byte("payload"))

	conn, r := dialCmd(t, f.addr, "DOWNLOAD:1")
	if line := readLine(t, conn, r); line != "FILE:x.bin:7" {
		t.Fatalf("unexpected header %q", line)
	}
	// No READY sent; the body must arrive after the bounded wait.
	got := make([]byte, 7)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("body read failed: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestUploadRejections(t *testing.T) {
	f := startServer(t, 100)
	join(t, f.conf, "Alice")

	conn, r := dialCmd(t, f.addr, "UPLOAD:0:Alice:big.bin:101")
	if line := readLine(t, conn, r); line != "ERROR:File too large" {
		t.Fatalf("expected size rejection, got %q", line)
	}

	conn, r = dialCmd(t, f.addr, "UPLOAD:9:Ghost:x.bin:10")
	if line := readLine(t, conn, r); line != "ERROR:Unknown client" {
		t.Fatalf("expected unknown-client rejection, got %q", line)
	}

	conn, r = dialCmd(t, f.addr, "gibberish")
	if line := readLine(t, conn, r); line != "ERROR:Malformed command" {
		t.Fatalf("expected malformed rejection, got %q", line)
	}
}

func TestIncompleteUploadIsDiscarded(t *testing.T) {
	f := startServer(t, 1<<20)
	_, aliceWire := join(t, f.conf, "Alice")

	conn, r := dialCmd(t, f.addr, "UPLOAD:0:Alice:short.bin:1000")
	if line := readLine(t, conn, r); line != "READY" {
		t.Fatalf("expected READY, got %q", line)
	}
	if _, err := conn.Write(make([]byte, 100)); err != nil {
		t.Fatalf("partial write failed: %v", err)
	}
	_ = conn.Close()

	// No catalog entry, no offer.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := f.conf.FileByID(1); ok {
			t.Fatalf("partial upload was published")
		}
		time.Sleep(20 * time.Millisecond)
	}
	select {
	case line := <-aliceWire.TX:
		t.Fatalf("unexpected control line %q", line)
	default:
	}
}

func TestDeleteAuthorization(t *testing.T) {
	f := startServer(t, 1<<20)
	_, aliceWire := join(t, f.conf, "Alice")
	join(t, f.conf, "Bob")
	for i := 0; i < 2; i++ {
		wireRecv(t, aliceWire) // bob's admission traffic
	}
	f.conf.PublishFile(0, "Alice", "owned.bin", []byte("data"))
	wireRecv(t, aliceWire) // the offer

	conn, r := dialCmd(t, f.addr, "DELETE:1:1")
	if line := readLine(t, conn, r); line != "ERROR:Not authorized" {
		t.Fatalf("expected authorization failure, got %q", line)
	}
	if _, ok := f.conf.FileByID(1); !ok {
		t.Fatalf("refused delete removed the entry")
	}

	conn, r = dialCmd(t, f.addr, "DELETE:1:0")
	if line := readLine(t, conn, r); line != "DELETE_SUCCESS:1" {
		t.Fatalf("expected DELETE_SUCCESS:1, got %q", line)
	}
	if line := wireRecv(t, aliceWire); line != "FILE_DELETED:1" {
		t.Fatalf("expected FILE_DELETED broadcast, got %q", line)
	}

	conn, r = dialCmd(t, f.addr, "DELETE:1:0")
	if line := readLine(t, conn, r); line != "ERROR:File not found" {
		t.Fatalf("expected not-found, got %q", line)
	}
}
