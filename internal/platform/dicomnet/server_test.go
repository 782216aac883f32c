package dicomnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

type recordingHandler struct {
	mu   sync.Mutex
	reqs []*StoreRequest
	err  error
}

func (h *recordingHandler) HandleStore(_ context.Context, req *StoreRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reqs = append(h.reqs, req)
	return h.err
}

func (h *recordingHandler) requests() []*StoreRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*StoreRequest(nil), h.reqs...)
}

func startServer(t *testing.T, h StoreHandler, opts Options) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", h, opts, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server, cfg ClientConfig) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg.ReadTimeout = 5 * time.Second
	c, err := Dial(ctx, srv.Addr(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestServer_EchoAndRelease(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{})
	c := dial(t, srv, ClientConfig{CallingAE: "TESTSCU"})

	for i := 0; i < 2; i++ {
		status, err := c.Echo(context.Background())
		if err != nil {
			t.Fatalf("echo %d: %v", i, err)
		}
		if status != StatusSuccess {
			t.Errorf("echo %d: expected success, got 0x%04x", i, status)
		}
	}
	if err := c.Release(); err != nil {
		t.Errorf("release: %v", err)
	}
}

func TestServer_StoreDeliversDataset(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h, Options{AETitle: "ARCHIVE"})
	c := dial(t, srv, ClientConfig{CallingAE: "CT01", CalledAE: "ARCHIVE", SOPClasses: []string{ctImageStorage}})
	defer c.Release()

	ts, err := c.TransferSyntaxFor(ctImageStorage)
	if err != nil {
		t.Fatal(err)
	}
	if ts != ExplicitVRLittleEndian {
		t.Errorf("expected explicit VR LE to be preferred, got %s", ts)
	}

	dataset := bytes.Repeat([]byte{0x01, 0x02}, 20000) // spans several PDUs
	status, err := c.Store(context.Background(), ctImageStorage, "1.2.3.4", dataset)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("expected success, got 0x%04x", status)
	}

	reqs := h.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.CallingAE != "CT01" || req.CalledAE != "ARCHIVE" {
		t.Errorf("unexpected AE titles %q / %q", req.CallingAE, req.CalledAE)
	}
	if req.SOPClassUID != ctImageStorage || req.SOPInstanceUID != "1.2.3.4" || req.TransferSyntaxUID != ExplicitVRLittleEndian {
		t.Errorf("unexpected request %+v", req)
	}
	if !bytes.Equal(req.Dataset, dataset) {
		t.Errorf("dataset not reassembled: got %d bytes, want %d", len(req.Dataset), len(dataset))
	}
}

func TestServer_StoreFailureStatus(t *testing.T) {
	h := &recordingHandler{err: errors.New("boom")}
	srv := startServer(t, h, Options{})
	c := dial(t, srv, ClientConfig{SOPClasses: []string{ctImageStorage}})
	defer c.Release()

	status, err := c.Store(context.Background(), ctImageStorage, "1.2.3", []byte{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusProcessingFailure {
		t.Errorf("expected 0x0110, got 0x%04x", status)
	}

	// the association survives a failed store
	if status, err := c.Echo(context.Background()); err != nil || status != StatusSuccess {
		t.Errorf("echo after failed store: 0x%04x %v", status, err)
	}
}

func TestServer_HandlerPanicIsProcessingFailure(t *testing.T) {
	h := StoreHandlerFunc(func(context.Context, *StoreRequest) error { panic("handler bug") })
	srv := startServer(t, h, Options{})
	c := dial(t, srv, ClientConfig{SOPClasses: []string{ctImageStorage}})
	defer c.Release()

	status, err := c.Store(context.Background(), ctImageStorage, "1.2.3", []byte{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusProcessingFailure {
		t.Errorf("expected 0x0110, got 0x%04x", status)
	}
}

func TestServer_UnsupportedSOPClassNotAccepted(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{})
	const worklist = "1.2.840.10008.5.1.4.31"
	c := dial(t, srv, ClientConfig{SOPClasses: []string{worklist}})
	defer c.Release()

	if _, err := c.Store(context.Background(), worklist, "1.2.3", []byte{0, 0}); !errors.Is(err, ErrNoPresentation) {
		t.Errorf("expected ErrNoPresentation, got %v", err)
	}
	if len(c.AcceptedContexts()) != 1 {
		t.Errorf("expected only verification accepted, got %+v", c.AcceptedContexts())
	}
}

func TestServer_CallingAEAllowList(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{AllowedCallingAEs: []string{"TRUSTED"}})

	ctx := context.Background()
	_, err := Dial(ctx, srv.Addr(), ClientConfig{CallingAE: "STRANGER", ReadTimeout: 5 * time.Second})
	if !errors.Is(err, ErrAssociationRJ) {
		t.Fatalf("expected rejection, got %v", err)
	}

	c, err := Dial(ctx, srv.Addr(), ClientConfig{CallingAE: "TRUSTED", ReadTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("trusted caller: %v", err)
	}
	c.Release()
}

func TestServer_DataBeforeAssociationAborts(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{})
	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cmd := &Command{CommandField: CommandCEchoRQ, AffectedSOPClassUID: VerificationSOPClass, MessageID: 1}
	for _, p := range encodePData(1, true, cmd.Encode(), 0) {
		conn.Write(p)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := readPDU(conn, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.Type != TypeAbort {
		t.Errorf("expected A-ABORT, got 0x%02x", p.Type)
	}
}

func TestServer_OversizedPDUAborts(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{MaxPDULength: 1024})
	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write(encodePDU(TypeAssociateRQ, make([]byte, 4096)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := readPDU(conn, 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if p.Type != TypeAbort {
		t.Errorf("expected A-ABORT, got 0x%02x", p.Type)
	}
}

func TestServer_OversizedMessageAborts(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, h, Options{MaxMessageSize: 8192})
	c := dial(t, srv, ClientConfig{SOPClasses: []string{ctImageStorage}})

	// every PDU fits, the reassembled data set does not
	dataset := bytes.Repeat([]byte{0x01, 0x02}, 10000)
	if _, err := c.Store(context.Background(), ctImageStorage, "1.2.3", dataset); err == nil {
		t.Fatal("expected the association to be aborted")
	}
	if n := len(h.requests()); n != 0 {
		t.Errorf("expected no request to reach the handler, got %d", n)
	}

	// a message under the cap still goes through on a new association
	c = dial(t, srv, ClientConfig{SOPClasses: []string{ctImageStorage}})
	defer c.Release()
	status, err := c.Store(context.Background(), ctImageStorage, "1.2.4", dataset[:4000])
	if err != nil || status != StatusSuccess {
		t.Fatalf("small store: 0x%04x %v", status, err)
	}
}

func TestServer_NewAssociationAfterRelease(t *testing.T) {
	srv := startServer(t, &recordingHandler{}, Options{})
	for i := 0; i < 3; i++ {
		c := dial(t, srv, ClientConfig{})
		if status, err := c.Echo(context.Background()); err != nil || status != StatusSuccess {
			t.Fatalf("association %d: echo 0x%04x %v", i, status, err)
		}
		if err := c.Release(); err != nil {
			t.Fatalf("association %d: release %v", i, err)
		}
	}
}

func TestServer_StopClosesAssociations(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &recordingHandler{}, Options{}, zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	c := dial(t, srv, ClientConfig{})

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with an open association")
	}

	if _, err := c.Echo(context.Background()); err == nil {
		t.Error("expected echo on a stopped server to fail")
	}
}

func TestState_String(t *testing.T) {
	if StateIdle.String() != "idle" || StateAssociated.String() != "associated" || StateReleased.String() != "released" {
		t.Error("unexpected state names")
	}
}

type recordingObserver struct {
	mu           sync.Mutex
	associations []bool
	commands     []string
}

func (o *recordingObserver) RecordAssociation(accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.associations = append(o.associations, accepted)
}

func (o *recordingObserver) RecordCommand(command string, status uint16) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, fmt.Sprintf("%s:0x%04X", command, status))
}

func (o *recordingObserver) snapshot() ([]bool, []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.associations...), append([]string(nil), o.commands...)
}

func TestServer_ReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	h := &recordingHandler{err: errors.New("rejected")}
	srv := startServer(t, h, Options{Observer: obs, AllowedCallingAEs: []string{"CT01"}})

	c := dial(t, srv, ClientConfig{CallingAE: "CT01", SOPClasses: []string{ctImageStorage}})
	if _, err := c.Echo(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Store(context.Background(), ctImageStorage, "1.2.3", []byte{0x08, 0x00}); err != nil {
		t.Fatal(err)
	}
	c.Release()

	if _, err := Dial(context.Background(), srv.Addr(), ClientConfig{CallingAE: "OTHER"}); err == nil {
		t.Fatal("expected association to be rejected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		assocs, cmds := obs.snapshot()
		if len(assocs) == 2 {
			if !assocs[0] || assocs[1] {
				t.Errorf("expected accepted then rejected, got %v", assocs)
			}
			want := []string{"C-ECHO:0x0000", "C-STORE:0x0110"}
			if len(cmds) != 2 || cmds[0] != want[0] || cmds[1] != want[1] {
				t.Errorf("expected %v, got %v", want, cmds)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer saw %v associations", assocs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
