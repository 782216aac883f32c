package dicomnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientConfig configures an SCU association.
type ClientConfig struct {
	CallingAE      string
	CalledAE       string
	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// SOPClasses are the storage classes to propose besides verification.
	SOPClasses []string
}

// DefaultClientConfig returns the settings used by the CLI.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		CallingAE:      "IMAGING_SCU",
		CalledAE:       DefaultAETitle,
		MaxPDULength:   DefaultMaxPDULength,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// Client is an established association with a remote SCP. It is safe for
// sequential use only; messages are not pipelined.
type Client struct {
	conn       net.Conn
	cfg        ClientConfig
	contexts   map[byte]*PresentationContext
	peerMaxPDU uint32
	mu         sync.Mutex
	nextID     uint16
	closed     bool
}

// Dial connects to addr and negotiates an association proposing
// verification plus every configured storage class.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	def := DefaultClientConfig()
	if cfg.CallingAE == "" {
		cfg.CallingAE = def.CallingAE
	}
	if cfg.CalledAE == "" {
		cfg.CalledAE = def.CalledAE
	}
	if cfg.MaxPDULength == 0 {
		cfg.MaxPDULength = def.MaxPDULength
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dicom: dial %s: %w", addr, err)
	}

	rq := &AssociateRQ{CalledAE: cfg.CalledAE, CallingAE: cfg.CallingAE, MaxPDU: cfg.MaxPDULength}
	syntaxes := []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	rq.Contexts = append(rq.Contexts, ProposedContext{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: syntaxes})
	for i, class := range cfg.SOPClasses {
		rq.Contexts = append(rq.Contexts, ProposedContext{ID: byte(3 + 2*i), AbstractSyntax: class, TransferSyntaxes: syntaxes})
	}

	c := &Client{conn: conn, cfg: cfg, nextID: 1}
	if err := c.associate(rq); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) associate(rq *AssociateRQ) error {
	c.conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if _, err := c.conn.Write(encodeAssociateRQ(rq)); err != nil {
		return fmt.Errorf("dicom: send association request: %w", err)
	}
	p, err := readPDU(c.conn, 0)
	if err != nil {
		return fmt.Errorf("dicom: read association response: %w", err)
	}
	switch p.Type {
	case TypeAssociateAC:
	case TypeAssociateRJ:
		if len(p.Data) >= 4 {
			return fmt.Errorf("%w: result=%d source=%d reason=%d", ErrAssociationRJ, p.Data[1], p.Data[2], p.Data[3])
		}
		return ErrAssociationRJ
	case TypeAbort:
		return ErrAborted
	default:
		return fmt.Errorf("%w: unexpected pdu type 0x%02x", ErrMalformedPDU, p.Type)
	}

	contexts, maxPDU, err := parseAssociateAC(p.Data, rq.Contexts)
	if err != nil {
		return err
	}
	c.contexts = contexts
	c.peerMaxPDU = maxPDU
	if c.peerMaxPDU == 0 {
		c.peerMaxPDU = DefaultMaxPDULength
	}
	return nil
}

// AcceptedContexts returns the contexts the SCP accepted.
func (c *Client) AcceptedContexts() []PresentationContext {
	out := make([]PresentationContext, 0, len(c.contexts))
	for _, pc := range c.contexts {
		if pc.Accepted() {
			out = append(out, *pc)
		}
	}
	return out
}

func (c *Client) contextFor(abstractSyntax string) (*PresentationContext, error) {
	for _, pc := range c.contexts {
		if pc.Accepted() && pc.AbstractSyntax == abstractSyntax {
			return pc, nil
		}
	}
	return nil, fmt.Errorf("%w for %s", ErrNoPresentation, abstractSyntax)
}

// Echo sends a C-ECHO and returns the response status.
func (c *Client) Echo(ctx context.Context) (uint16, error) {
	pc, err := c.contextFor(VerificationSOPClass)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := &Command{CommandField: CommandCEchoRQ, AffectedSOPClassUID: VerificationSOPClass, MessageID: c.messageID()}
	rsp, err := c.roundTrip(ctx, pc.ID, cmd, nil)
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// Store sends dataset in a C-STORE and returns the response status. The
// data set must be encoded in the transfer syntax the SCP accepted for
// sopClassUID; see TransferSyntaxFor.
func (c *Client) Store(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) (uint16, error) {
	pc, err := c.contextFor(sopClassUID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := &Command{
		CommandField:           CommandCStoreRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		MessageID:              c.messageID(),
		HasDataSet:             true,
	}
	rsp, err := c.roundTrip(ctx, pc.ID, cmd, dataset)
	if err != nil {
		return 0, err
	}
	return rsp.Status, nil
}

// TransferSyntaxFor returns the transfer syntax negotiated for a SOP class.
func (c *Client) TransferSyntaxFor(sopClassUID string) (string, error) {
	pc, err := c.contextFor(sopClassUID)
	if err != nil {
		return "", err
	}
	return pc.TransferSyntax, nil
}

func (c *Client) messageID() uint16 {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.cfg.ReadTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (c *Client) roundTrip(ctx context.Context, ctxID byte, cmd *Command, dataset []byte) (*Command, error) {
	if c.closed {
		return nil, fmt.Errorf("dicom: association closed")
	}
	c.conn.SetDeadline(c.deadline(ctx))

	out := encodePData(ctxID, true, cmd.Encode(), c.peerMaxPDU)
	if cmd.HasDataSet {
		out = append(out, encodePData(ctxID, false, dataset, c.peerMaxPDU)...)
	}
	for _, b := range out {
		if _, err := c.conn.Write(b); err != nil {
			return nil, fmt.Errorf("dicom: send: %w", err)
		}
	}

	var buf []byte
	for {
		p, err := readPDU(c.conn, 0)
		if err != nil {
			return nil, fmt.Errorf("dicom: read response: %w", err)
		}
		switch p.Type {
		case TypePDataTF:
		case TypeAbort:
			c.closed = true
			return nil, ErrAborted
		default:
			return nil, fmt.Errorf("%w: unexpected pdu type 0x%02x", ErrMalformedPDU, p.Type)
		}
		pdvs, err := parsePDVs(p.Data)
		if err != nil {
			return nil, err
		}
		for _, v := range pdvs {
			if !v.isCommand() {
				continue
			}
			buf = append(buf, v.Data...)
			if v.isLast() {
				return DecodeCommand(buf)
			}
		}
	}
}

// Release performs an orderly association release and closes the
// connection.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.conn.Close()

	c.conn.SetDeadline(time.Now().Add(c.cfg.ReadTimeout))
	if _, err := c.conn.Write(encodeReleaseRQ()); err != nil {
		return fmt.Errorf("dicom: send release: %w", err)
	}
	p, err := readPDU(c.conn, 0)
	if err != nil {
		return fmt.Errorf("dicom: read release response: %w", err)
	}
	if p.Type != TypeReleaseRP {
		return fmt.Errorf("%w: expected release response, got 0x%02x", ErrMalformedPDU, p.Type)
	}
	return nil
}

// Abort sends an A-ABORT and closes the connection.
func (c *Client) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.Write(encodeAbort(abortSourceServiceUser, abortReasonNotSpecified))
	return c.conn.Close()
}
