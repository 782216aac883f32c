package dicomnet

import (
	"encoding/binary"
	"fmt"
)

// DIMSE command fields.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// DIMSE statuses.
const (
	StatusSuccess               uint16 = 0x0000
	StatusProcessingFailure     uint16 = 0x0110
	StatusUnrecognizedOperation uint16 = 0x0211
)

// noDataSet marks a command with no data set following it.
const noDataSet uint16 = 0x0101

// Command group (0000) element numbers.
const (
	elemGroupLength          uint16 = 0x0000
	elemAffectedSOPClass     uint16 = 0x0002
	elemCommandField         uint16 = 0x0100
	elemMessageID            uint16 = 0x0110
	elemMessageIDRespondedTo uint16 = 0x0120
	elemPriority             uint16 = 0x0700
	elemDataSetType          uint16 = 0x0800
	elemStatus               uint16 = 0x0900
	elemAffectedSOPInstance  uint16 = 0x1000
)

// Command is a DIMSE command set. Only the fields used by C-ECHO and
// C-STORE are modelled.
type Command struct {
	CommandField           uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
	MessageID              uint16
	MessageIDRespondedTo   uint16
	Priority               uint16
	HasDataSet             bool
	Status                 uint16
}

// IsResponse reports whether the command field has the response bit set.
func (c *Command) IsResponse() bool { return c.CommandField&0x8000 != 0 }

// Encode serialises the command in implicit VR little endian, which is
// mandatory for command sets regardless of the negotiated transfer syntax.
func (c *Command) Encode() []byte {
	var body []byte
	if c.AffectedSOPClassUID != "" {
		body = appendUID(body, elemAffectedSOPClass, c.AffectedSOPClassUID)
	}
	body = appendUS(body, elemCommandField, c.CommandField)
	if c.IsResponse() {
		body = appendUS(body, elemMessageIDRespondedTo, c.MessageIDRespondedTo)
	} else {
		body = appendUS(body, elemMessageID, c.MessageID)
		if c.CommandField == CommandCStoreRQ {
			body = appendUS(body, elemPriority, c.Priority)
		}
	}
	dataSetType := noDataSet
	if c.HasDataSet {
		dataSetType = 0x0000
	}
	body = appendUS(body, elemDataSetType, dataSetType)
	if c.IsResponse() {
		body = appendUS(body, elemStatus, c.Status)
	}
	if c.AffectedSOPInstanceUID != "" {
		body = appendUID(body, elemAffectedSOPInstance, c.AffectedSOPInstanceUID)
	}

	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(body)))
	out := appendElement(nil, elemGroupLength, length)
	return append(out, body...)
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{}
	seenField := false
	offset := 0
	for offset < len(data) {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("%w: truncated command element", ErrMalformedPDU)
		}
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		elem := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		start := offset + 8
		end := start + length
		if end > len(data) {
			return nil, fmt.Errorf("%w: command element (%04x,%04x) exceeds data", ErrMalformedPDU, group, elem)
		}
		value := data[start:end]
		offset = end
		if group != 0x0000 {
			continue
		}

		switch elem {
		case elemAffectedSOPClass:
			cmd.AffectedSOPClassUID = normalizeUID(value)
		case elemAffectedSOPInstance:
			cmd.AffectedSOPInstanceUID = normalizeUID(value)
		case elemCommandField:
			cmd.CommandField = readUS(value)
			seenField = true
		case elemMessageID:
			cmd.MessageID = readUS(value)
		case elemMessageIDRespondedTo:
			cmd.MessageIDRespondedTo = readUS(value)
		case elemPriority:
			cmd.Priority = readUS(value)
		case elemDataSetType:
			cmd.HasDataSet = readUS(value) != noDataSet
		case elemStatus:
			cmd.Status = readUS(value)
		}
	}
	if !seenField {
		return nil, fmt.Errorf("%w: command set has no command field", ErrMalformedPDU)
	}
	return cmd, nil
}

func readUS(v []byte) uint16 {
	if len(v) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(v)
}

func appendElement(dst []byte, elem uint16, value []byte) []byte {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], 0x0000)
	binary.LittleEndian.PutUint16(header[2:4], elem)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(value)))
	dst = append(dst, header...)
	return append(dst, value...)
}

func appendUS(dst []byte, elem uint16, v uint16) []byte {
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, v)
	return appendElement(dst, elem, value)
}

// appendUID writes a UI value padded with a trailing NUL to even length.
func appendUID(dst []byte, elem uint16, uid string) []byte {
	value := []byte(uid)
	if len(value)%2 != 0 {
		value = append(value, 0x00)
	}
	return appendElement(dst, elem, value)
}

func commandName(field uint16) string {
	switch field {
	case CommandCEchoRQ:
		return "C-ECHO"
	case CommandCStoreRQ:
		return "C-STORE"
	default:
		return fmt.Sprintf("0x%04X", field)
	}
}
