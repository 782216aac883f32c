package dicomnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the association state of one connection.
type State int

const (
	StateIdle State = iota
	StateAssociated
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAssociated:
		return "associated"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StoreRequest is one C-STORE as seen by the StoreHandler.
type StoreRequest struct {
	CallingAE         string
	CalledAE          string
	RemoteAddr        string
	MessageID         uint16
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	// Dataset is the data set exactly as received, without file meta.
	Dataset []byte
}

// Part10 returns the data set wrapped as a DICOM file.
func (r *StoreRequest) Part10() []byte {
	return WrapPart10(r.Dataset, r.SOPClassUID, r.SOPInstanceUID, r.TransferSyntaxUID)
}

// StoreHandler persists received objects. A nil error answers the C-STORE
// with Success; any error answers ProcessingFailure.
type StoreHandler interface {
	HandleStore(ctx context.Context, req *StoreRequest) error
}

// StoreHandlerFunc adapts a function to StoreHandler.
type StoreHandlerFunc func(ctx context.Context, req *StoreRequest) error

func (f StoreHandlerFunc) HandleStore(ctx context.Context, req *StoreRequest) error {
	return f(ctx, req)
}

// Options configures a Server.
type Options struct {
	// AETitle is the title this node answers with.
	AETitle string
	// AllowedCallingAEs restricts which peers may associate. Empty allows all.
	AllowedCallingAEs []string
	// ReadTimeout bounds the wait for each PDU.
	ReadTimeout time.Duration
	// MaxPDULength is advertised to peers and enforced on receipt.
	MaxPDULength uint32
	// MaxMessageSize caps the reassembled command plus data set of one
	// message. Zero uses DefaultMaxMessageSize.
	MaxMessageSize uint64
	// Observer, when set, is told about every association and answered
	// DIMSE request.
	Observer Observer
}

// Observer receives protocol events, typically for metrics.
type Observer interface {
	RecordAssociation(accepted bool)
	RecordCommand(command string, status uint16)
}

type nopObserver struct{}

func (nopObserver) RecordAssociation(bool)       {}
func (nopObserver) RecordCommand(string, uint16) {}

const (
	DefaultAETitle        = "IMAGING_SCP"
	DefaultReadTimeout    = 60 * time.Second
	DefaultMaxMessageSize = 2 << 30
)

func (o Options) withDefaults() Options {
	if o.AETitle == "" {
		o.AETitle = DefaultAETitle
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxPDULength == 0 {
		o.MaxPDULength = DefaultMaxPDULength
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Server is a storage SCP. Each connection carries one association and is
// served on its own goroutine.
type Server struct {
	addr     string
	handler  StoreHandler
	opts     Options
	allowed  map[string]struct{}
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewServer creates a server that will listen on addr and hand every
// received object to handler.
func NewServer(addr string, handler StoreHandler, opts Options, logger zerolog.Logger) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    addr,
		handler: handler,
		opts:    opts,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With().Str("component", "dicom-scp").Str("ae_title", opts.AETitle).Logger(),
	}
	if len(opts.AllowedCallingAEs) > 0 {
		s.allowed = make(map[string]struct{}, len(opts.AllowedCallingAEs))
		for _, ae := range opts.AllowedCallingAEs {
			if ae = strings.TrimSpace(ae); ae != "" {
				s.allowed[ae] = struct{}{}
			}
		}
	}
	return s
}

// Start begins listening. The accept loop runs in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("dicom: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("DICOM listener started")
	return nil
}

// Stop closes the listener and every open association, then waits for
// in-flight handlers to return.
func (s *Server) Stop() error {
	close(s.done)
	s.cancel()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// association holds per-connection protocol state.
type association struct {
	state      State
	callingAE  string
	calledAE   string
	remoteAddr string
	contexts   map[byte]*PresentationContext
	peerMaxPDU uint32

	// message being reassembled
	ctxID   byte
	cmdBuf  []byte
	cmd     *Command
	dataBuf []byte
}

func (a *association) resetMessage() {
	a.ctxID = 0
	a.cmdBuf = nil
	a.cmd = nil
	a.dataBuf = nil
}

func (s *Server) handleConnection(conn net.Conn) {
	a := &association{state: StateIdle, remoteAddr: conn.RemoteAddr().String()}
	log := s.logger.With().Str("remote_addr", a.remoteAddr).Logger()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		p, err := readPDU(conn, s.opts.MaxPDULength)
		if err != nil {
			switch {
			case errors.Is(err, ErrPDUTooLarge):
				log.Warn().Err(err).Msg("aborting association")
				conn.Write(encodeAbort(abortSourceServiceProvider, abortReasonInvalidPDUParam))
			case errors.Is(err, io.EOF):
			default:
				log.Debug().Err(err).Stringer("state", a.state).Msg("connection read ended")
			}
			return
		}

		switch p.Type {
		case TypeAssociateRQ:
			if a.state != StateIdle {
				s.abort(conn, log, "association request while associated")
				return
			}
			if !s.associate(conn, a, p.Data) {
				return
			}
			log = log.With().Str("calling_ae", a.callingAE).Str("called_ae", a.calledAE).Logger()

		case TypePDataTF:
			if a.state != StateAssociated {
				s.abort(conn, log, "data received without association")
				return
			}
			if err := s.receiveData(conn, a, p.Data, log); err != nil {
				log.Warn().Err(err).Msg("aborting association")
				conn.Write(encodeAbort(abortSourceServiceProvider, abortReasonInvalidPDUParam))
				return
			}

		case TypeReleaseRQ:
			if _, err := conn.Write(encodeReleaseRP()); err != nil {
				log.Debug().Err(err).Msg("release response not delivered")
			}
			a.state = StateReleased
			log.Info().Msg("association released")
			return

		case TypeAbort:
			log.Info().Stringer("state", a.state).Msg("association aborted by peer")
			return

		default:
			s.abort(conn, log, fmt.Sprintf("unexpected pdu type 0x%02x", p.Type))
			return
		}
	}
}

func (s *Server) abort(conn net.Conn, log zerolog.Logger, reason string) {
	log.Warn().Str("reason", reason).Msg("aborting association")
	conn.Write(encodeAbort(abortSourceServiceProvider, abortReasonUnexpectedPDU))
}

// associate answers an A-ASSOCIATE-RQ and reports whether the association
// was accepted.
func (s *Server) associate(conn net.Conn, a *association, data []byte) bool {
	rq, err := parseAssociateRQ(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", a.remoteAddr).Msg("malformed association request")
		conn.Write(encodeAssociateRJ(rejectPermanent, rejectSourceServiceUser, rejectReasonNoReasonGiven))
		s.opts.Observer.RecordAssociation(false)
		return false
	}
	a.callingAE, a.calledAE = rq.CallingAE, rq.CalledAE
	log := s.logger.With().Str("remote_addr", a.remoteAddr).
		Str("calling_ae", rq.CallingAE).Str("called_ae", rq.CalledAE).Logger()

	if !s.callerAllowed(rq.CallingAE) {
		log.Warn().Msg("association rejected: calling AE not allowed")
		conn.Write(encodeAssociateRJ(rejectPermanent, rejectSourceServiceUser, rejectReasonCallingAE))
		s.opts.Observer.RecordAssociation(false)
		return false
	}

	a.contexts = negotiate(rq.Contexts)
	a.peerMaxPDU = rq.MaxPDU
	if a.peerMaxPDU == 0 {
		a.peerMaxPDU = DefaultMaxPDULength
	}

	accepted := 0
	for _, pc := range a.contexts {
		if pc.Accepted() {
			accepted++
		}
	}

	if _, err := conn.Write(encodeAssociateAC(rq.CalledAE, rq.CallingAE, a.contexts, s.opts.MaxPDULength)); err != nil {
		log.Debug().Err(err).Msg("association accept not delivered")
		return false
	}
	a.state = StateAssociated
	s.opts.Observer.RecordAssociation(true)
	log.Info().Int("contexts_proposed", len(rq.Contexts)).Int("contexts_accepted", accepted).
		Msg("association established")
	return true
}

func (s *Server) callerAllowed(ae string) bool {
	if s.allowed == nil {
		return true
	}
	_, ok := s.allowed[ae]
	return ok
}

// negotiate accepts verification and storage SOP classes in explicit or
// implicit VR little endian, preferring explicit.
func negotiate(proposed []ProposedContext) map[byte]*PresentationContext {
	out := make(map[byte]*PresentationContext, len(proposed))
	for _, p := range proposed {
		pc := &PresentationContext{ID: p.ID, AbstractSyntax: p.AbstractSyntax}
		if p.AbstractSyntax != VerificationSOPClass && !strings.HasPrefix(p.AbstractSyntax, StorageSOPClassPrefix) {
			pc.Result = ResultAbstractSyntaxRejected
			out[p.ID] = pc
			continue
		}
		pc.Result = ResultTransferSyntaxRejected
		for _, want := range []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian} {
			if containsString(p.TransferSyntaxes, want) {
				pc.Result = ResultAcceptance
				pc.TransferSyntax = want
				break
			}
		}
		out[p.ID] = pc
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// receiveData reassembles command and data set fragments and dispatches each
// complete message.
func (s *Server) receiveData(conn net.Conn, a *association, data []byte, log zerolog.Logger) error {
	pdvs, err := parsePDVs(data)
	if err != nil {
		return err
	}
	for _, v := range pdvs {
		pc, ok := a.contexts[v.ContextID]
		if !ok || !pc.Accepted() {
			return fmt.Errorf("%w: pdv on unaccepted presentation context %d", ErrMalformedPDU, v.ContextID)
		}
		if a.cmdBuf != nil || a.cmd != nil {
			if v.ContextID != a.ctxID {
				return fmt.Errorf("%w: presentation context changed mid-message", ErrMalformedPDU)
			}
		}
		a.ctxID = v.ContextID

		if uint64(len(a.cmdBuf))+uint64(len(a.dataBuf))+uint64(len(v.Data)) > s.opts.MaxMessageSize {
			return fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, s.opts.MaxMessageSize)
		}

		if v.isCommand() {
			if a.cmd != nil {
				return fmt.Errorf("%w: command fragment after complete command", ErrMalformedPDU)
			}
			a.cmdBuf = append(a.cmdBuf, v.Data...)
			if !v.isLast() {
				continue
			}
			cmd, err := DecodeCommand(a.cmdBuf)
			if err != nil {
				return err
			}
			a.cmd = cmd
			if !cmd.HasDataSet {
				if err := s.dispatch(conn, a, log); err != nil {
					return err
				}
			}
			continue
		}

		if a.cmd == nil {
			return fmt.Errorf("%w: data set fragment before command", ErrMalformedPDU)
		}
		a.dataBuf = append(a.dataBuf, v.Data...)
		if v.isLast() {
			if err := s.dispatch(conn, a, log); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch answers the complete message held in a and clears it.
func (s *Server) dispatch(conn net.Conn, a *association, log zerolog.Logger) error {
	cmd, ctxID, dataset := a.cmd, a.ctxID, a.dataBuf
	a.resetMessage()

	var rsp *Command
	switch cmd.CommandField {
	case CommandCEchoRQ:
		log.Debug().Uint16("message_id", cmd.MessageID).Msg("C-ECHO")
		rsp = &Command{
			CommandField:         CommandCEchoRSP,
			AffectedSOPClassUID:  VerificationSOPClass,
			MessageIDRespondedTo: cmd.MessageID,
			Status:               StatusSuccess,
		}

	case CommandCStoreRQ:
		req := &StoreRequest{
			CallingAE:         a.callingAE,
			CalledAE:          a.calledAE,
			RemoteAddr:        a.remoteAddr,
			MessageID:         cmd.MessageID,
			SOPClassUID:       cmd.AffectedSOPClassUID,
			SOPInstanceUID:    cmd.AffectedSOPInstanceUID,
			TransferSyntaxUID: a.contexts[ctxID].TransferSyntax,
			Dataset:           dataset,
		}
		status := s.store(req, log)
		rsp = &Command{
			CommandField:           CommandCStoreRSP,
			AffectedSOPClassUID:    cmd.AffectedSOPClassUID,
			AffectedSOPInstanceUID: cmd.AffectedSOPInstanceUID,
			MessageIDRespondedTo:   cmd.MessageID,
			Status:                 status,
		}

	default:
		log.Warn().Uint16("command_field", cmd.CommandField).Msg("unsupported DIMSE command")
		rsp = &Command{
			CommandField:         cmd.CommandField | 0x8000,
			AffectedSOPClassUID:  cmd.AffectedSOPClassUID,
			MessageIDRespondedTo: cmd.MessageID,
			Status:               StatusUnrecognizedOperation,
		}
	}

	s.opts.Observer.RecordCommand(commandName(cmd.CommandField), rsp.Status)

	for _, out := range encodePData(ctxID, true, rsp.Encode(), a.peerMaxPDU) {
		if _, err := conn.Write(out); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return nil
}

// store runs the handler and maps its outcome to a DIMSE status. A panic in
// the handler fails the object, not the association.
func (s *Server) store(req *StoreRequest, log zerolog.Logger) (status uint16) {
	log = log.With().Str("sop_instance_uid", req.SOPInstanceUID).Uint16("message_id", req.MessageID).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("store handler panicked")
			status = StatusProcessingFailure
		}
	}()

	if err := s.handler.HandleStore(s.ctx, req); err != nil {
		log.Warn().Err(err).Dur("latency", time.Since(start)).Msg("C-STORE failed")
		return StatusProcessingFailure
	}
	log.Info().Int("bytes", len(req.Dataset)).Dur("latency", time.Since(start)).Msg("C-STORE")
	return StatusSuccess
}
