// Package dicomnet implements the DICOM upper layer and the DIMSE messages
// needed to receive objects over the network: association negotiation,
// C-ECHO, C-STORE, release and abort. Server is the storage SCP; Client is a
// minimal SCU used by tooling and tests.
package dicomnet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PDU types.
const (
	TypeAssociateRQ byte = 0x01
	TypeAssociateAC byte = 0x02
	TypeAssociateRJ byte = 0x03
	TypePDataTF     byte = 0x04
	TypeReleaseRQ   byte = 0x05
	TypeReleaseRP   byte = 0x06
	TypeAbort       byte = 0x07
)

// Variable item types of the association PDUs.
const (
	itemApplicationContext  byte = 0x10
	itemPresentationRQ      byte = 0x20
	itemPresentationAC      byte = 0x21
	itemAbstractSyntax      byte = 0x30
	itemTransferSyntax      byte = 0x40
	itemUserInformation     byte = 0x50
	itemMaxLength           byte = 0x51
	itemImplementationClass byte = 0x52
	itemImplementationName  byte = 0x55
)

// Presentation context results.
const (
	ResultAcceptance             byte = 0x00
	ResultAbstractSyntaxRejected byte = 0x03
	ResultTransferSyntaxRejected byte = 0x04
)

const (
	ApplicationContextUID  = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass   = "1.2.840.10008.1.1"
	StorageSOPClassPrefix  = "1.2.840.10008.5.1.4.1.1."
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	ImplementationClassUID = "1.2.826.0.1.3680043.10.1447.1"
	ImplementationVersion  = "IMAGING_INGEST_1"

	// DefaultMaxPDULength is advertised when no limit is configured.
	DefaultMaxPDULength uint32 = 16384

	pduHeaderLength   = 6
	associateFixedLen = 68
)

var (
	ErrPDUTooLarge     = errors.New("pdu exceeds maximum length")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrMalformedPDU    = errors.New("malformed pdu")
	ErrAssociationRJ   = errors.New("association rejected")
	ErrAborted         = errors.New("association aborted")
	ErrNoPresentation  = errors.New("no accepted presentation context")
)

// pdu is one raw protocol data unit.
type pdu struct {
	Type byte
	Data []byte
}

// readPDU reads one PDU. A declared length above maxLen fails with
// ErrPDUTooLarge before the body is read; maxLen 0 disables the check.
func readPDU(r io.Reader, maxLen uint32) (*pdu, error) {
	header := make([]byte, pduHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if maxLen > 0 && length > maxLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrPDUTooLarge, length, maxLen)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read pdu body: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

func encodePDU(typ byte, data []byte) []byte {
	out := make([]byte, pduHeaderLength, pduHeaderLength+len(data))
	out[0] = typ
	binary.BigEndian.PutUint32(out[2:6], uint32(len(data)))
	return append(out, data...)
}

func writePDU(w io.Writer, typ byte, data []byte) error {
	_, err := w.Write(encodePDU(typ, data))
	return err
}

// item encodes a variable item: type, reserved, 16-bit length, value.
func item(typ byte, value []byte) []byte {
	out := []byte{typ, 0x00, 0x00, 0x00}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
	return append(out, value...)
}

// walkItems calls fn for every variable item in data.
func walkItems(data []byte, fn func(typ byte, value []byte) error) error {
	offset := 0
	for offset+4 <= len(data) {
		typ := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		start := offset + 4
		end := start + length
		if end > len(data) {
			return fmt.Errorf("%w: item 0x%02x exceeds pdu", ErrMalformedPDU, typ)
		}
		if err := fn(typ, data[start:end]); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func aeTitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func padAE(ae string) []byte {
	if len(ae) > 16 {
		ae = ae[:16]
	}
	return []byte(fmt.Sprintf("%-16s", ae))
}

// ---------------------------------------------------------------------------
// A-ASSOCIATE
// ---------------------------------------------------------------------------

// ProposedContext is a presentation context offered in an A-ASSOCIATE-RQ.
type ProposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContext is the negotiated outcome of one proposed context.
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Accepted reports whether the context may carry messages.
func (pc *PresentationContext) Accepted() bool { return pc.Result == ResultAcceptance }

// AssociateRQ is the decoded content of an A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAE  string
	CallingAE string
	Contexts  []ProposedContext
	MaxPDU    uint32
}

func parseAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < associateFixedLen {
		return nil, fmt.Errorf("%w: association request too short (%d bytes)", ErrMalformedPDU, len(data))
	}
	rq := &AssociateRQ{
		CalledAE:  aeTitle(data[4:20]),
		CallingAE: aeTitle(data[20:36]),
	}
	err := walkItems(data[associateFixedLen:], func(typ byte, value []byte) error {
		switch typ {
		case itemPresentationRQ:
			pc, err := parseProposedContext(value)
			if err != nil {
				return err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			return walkItems(value, func(sub byte, v []byte) error {
				if sub == itemMaxLength && len(v) == 4 {
					rq.MaxPDU = binary.BigEndian.Uint32(v)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rq, nil
}

func parseProposedContext(data []byte) (ProposedContext, error) {
	if len(data) < 4 {
		return ProposedContext{}, fmt.Errorf("%w: presentation context too short", ErrMalformedPDU)
	}
	pc := ProposedContext{ID: data[0]}
	err := walkItems(data[4:], func(typ byte, value []byte) error {
		switch typ {
		case itemAbstractSyntax:
			pc.AbstractSyntax = normalizeUID(value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, normalizeUID(value))
		}
		return nil
	})
	return pc, err
}

func encodeAssociateRQ(rq *AssociateRQ) []byte {
	fixed := make([]byte, associateFixedLen)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(rq.CalledAE))
	copy(fixed[20:36], padAE(rq.CallingAE))

	body := append(fixed, item(itemApplicationContext, []byte(ApplicationContextUID))...)
	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0x00, 0x00, 0x00}
		value = append(value, item(itemAbstractSyntax, []byte(pc.AbstractSyntax))...)
		for _, ts := range pc.TransferSyntaxes {
			value = append(value, item(itemTransferSyntax, []byte(ts))...)
		}
		body = append(body, item(itemPresentationRQ, value)...)
	}
	body = append(body, userInformation(rq.MaxPDU)...)
	return encodePDU(TypeAssociateRQ, body)
}

func userInformation(maxPDU uint32) []byte {
	max := make([]byte, 4)
	binary.BigEndian.PutUint32(max, maxPDU)
	value := item(itemMaxLength, max)
	value = append(value, item(itemImplementationClass, []byte(ImplementationClassUID))...)
	value = append(value, item(itemImplementationName, []byte(ImplementationVersion))...)
	return item(itemUserInformation, value)
}

// encodeAssociateAC builds an A-ASSOCIATE-AC. Only accepted contexts are
// listed; several toolkits refuse an AC carrying rejected ones.
func encodeAssociateAC(calledAE, callingAE string, contexts map[byte]*PresentationContext, maxPDU uint32) []byte {
	fixed := make([]byte, associateFixedLen)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAE(calledAE))
	copy(fixed[20:36], padAE(callingAE))

	body := append(fixed, item(itemApplicationContext, []byte(ApplicationContextUID))...)

	ids := make([]int, 0, len(contexts))
	for id := range contexts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		pc := contexts[byte(id)]
		if !pc.Accepted() {
			continue
		}
		value := []byte{pc.ID, pc.Result, 0x00, 0x00}
		value = append(value, item(itemTransferSyntax, []byte(pc.TransferSyntax))...)
		body = append(body, item(itemPresentationAC, value)...)
	}
	body = append(body, userInformation(maxPDU)...)
	return encodePDU(TypeAssociateAC, body)
}

// parseAssociateAC returns the accepted contexts and the peer's max PDU
// length. Abstract syntaxes are filled in from the proposal.
func parseAssociateAC(data []byte, proposed []ProposedContext) (map[byte]*PresentationContext, uint32, error) {
	if len(data) < associateFixedLen {
		return nil, 0, fmt.Errorf("%w: association accept too short", ErrMalformedPDU)
	}
	abstract := make(map[byte]string, len(proposed))
	for _, pc := range proposed {
		abstract[pc.ID] = pc.AbstractSyntax
	}

	contexts := make(map[byte]*PresentationContext)
	var maxPDU uint32
	err := walkItems(data[associateFixedLen:], func(typ byte, value []byte) error {
		switch typ {
		case itemPresentationAC:
			if len(value) < 4 {
				return fmt.Errorf("%w: presentation context too short", ErrMalformedPDU)
			}
			pc := &PresentationContext{ID: value[0], Result: value[1], AbstractSyntax: abstract[value[0]]}
			if err := walkItems(value[4:], func(sub byte, v []byte) error {
				if sub == itemTransferSyntax {
					pc.TransferSyntax = normalizeUID(v)
				}
				return nil
			}); err != nil {
				return err
			}
			contexts[pc.ID] = pc
		case itemUserInformation:
			return walkItems(value, func(sub byte, v []byte) error {
				if sub == itemMaxLength && len(v) == 4 {
					maxPDU = binary.BigEndian.Uint32(v)
				}
				return nil
			})
		}
		return nil
	})
	return contexts, maxPDU, err
}

// A-ASSOCIATE-RJ fields.
const (
	rejectPermanent           byte = 0x01
	rejectSourceServiceUser   byte = 0x01
	rejectReasonCallingAE     byte = 0x03
	rejectReasonNoReasonGiven byte = 0x01
)

func encodeAssociateRJ(result, source, reason byte) []byte {
	return encodePDU(TypeAssociateRJ, []byte{0x00, result, source, reason})
}

// ---------------------------------------------------------------------------
// Release and abort
// ---------------------------------------------------------------------------

func encodeReleaseRQ() []byte { return encodePDU(TypeReleaseRQ, make([]byte, 4)) }
func encodeReleaseRP() []byte { return encodePDU(TypeReleaseRP, make([]byte, 4)) }

// A-ABORT sources.
const (
	abortSourceServiceUser     byte = 0x00
	abortSourceServiceProvider byte = 0x02
)

// A-ABORT provider reasons.
const (
	abortReasonNotSpecified    byte = 0x00
	abortReasonUnexpectedPDU   byte = 0x02
	abortReasonInvalidPDUParam byte = 0x06
)

func encodeAbort(source, reason byte) []byte {
	return encodePDU(TypeAbort, []byte{0x00, 0x00, source, reason})
}

// ---------------------------------------------------------------------------
// P-DATA-TF
// ---------------------------------------------------------------------------

// Message control header bits.
const (
	pdvCommand byte = 0x01
	pdvLast    byte = 0x02
)

// pdv is one presentation data value.
type pdv struct {
	ContextID byte
	Control   byte
	Data      []byte
}

func (p pdv) isCommand() bool { return p.Control&pdvCommand != 0 }
func (p pdv) isLast() bool    { return p.Control&pdvLast != 0 }

// parsePDVs splits a P-DATA-TF body into its PDVs.
func parsePDVs(data []byte) ([]pdv, error) {
	var out []pdv
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated pdv length", ErrMalformedPDU)
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		start := offset + 4
		end := start + length
		if length < 2 || end > len(data) {
			return nil, fmt.Errorf("%w: pdv length %d", ErrMalformedPDU, length)
		}
		out = append(out, pdv{ContextID: data[start], Control: data[start+1], Data: data[start+2 : end]})
		offset = end
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty p-data-tf", ErrMalformedPDU)
	}
	return out, nil
}

// encodePData fragments payload into P-DATA-TF PDUs that each fit maxPDU.
func encodePData(contextID byte, command bool, payload []byte, maxPDU uint32) [][]byte {
	// PDV item length(4) + context(1) + control(1)
	chunk := int(maxPDU) - 6
	if maxPDU == 0 || chunk <= 0 {
		chunk = int(DefaultMaxPDULength) - 6
	}

	var pdus [][]byte
	for offset := 0; ; offset += chunk {
		end := offset + chunk
		last := end >= len(payload)
		if last {
			end = len(payload)
		}
		control := byte(0)
		if command {
			control |= pdvCommand
		}
		if last {
			control |= pdvLast
		}
		value := make([]byte, 6, 6+end-offset)
		binary.BigEndian.PutUint32(value[0:4], uint32(2+end-offset))
		value[4] = contextID
		value[5] = control
		value = append(value, payload[offset:end]...)
		pdus = append(pdus, encodePDU(TypePDataTF, value))
		if last {
			return pdus
		}
	}
}
