package dicomnet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	part10PreambleLength = 128
	part10Magic          = "DICM"
)

// HasPart10Header reports whether data starts with the 128-byte preamble
// and DICM prefix of a DICOM file.
func HasPart10Header(data []byte) bool {
	return len(data) >= part10PreambleLength+4 &&
		string(data[part10PreambleLength:part10PreambleLength+4]) == part10Magic
}

// WrapPart10 prefixes a bare data set, as received in a C-STORE, with a
// preamble and file meta information group so it can be stored and decoded
// like an uploaded file. Data already in file form is returned unchanged.
func WrapPart10(dataset []byte, sopClassUID, sopInstanceUID, transferSyntaxUID string) []byte {
	if HasPart10Header(dataset) {
		return dataset
	}

	var meta []byte
	meta = appendExplicitOB(meta, 0x0001, []byte{0x00, 0x01})
	meta = appendExplicitShort(meta, 0x0002, "UI", uidValue(sopClassUID))
	meta = appendExplicitShort(meta, 0x0003, "UI", uidValue(sopInstanceUID))
	meta = appendExplicitShort(meta, 0x0010, "UI", uidValue(transferSyntaxUID))
	meta = appendExplicitShort(meta, 0x0012, "UI", uidValue(ImplementationClassUID))
	meta = appendExplicitShort(meta, 0x0013, "SH", textValue(ImplementationVersion))

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(len(meta)))

	var buf bytes.Buffer
	buf.Grow(part10PreambleLength + 4 + 12 + len(meta) + len(dataset))
	buf.Write(make([]byte, part10PreambleLength))
	buf.WriteString(part10Magic)
	buf.Write(appendExplicitShort(nil, 0x0000, "UL", groupLength))
	buf.Write(meta)
	buf.Write(dataset)
	return buf.Bytes()
}

// FileMeta is the part of the file meta group a sender needs.
type FileMeta struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
}

var ErrNotPart10 = errors.New("not a DICOM part-10 file")

// SplitPart10 separates a DICOM file into its file meta information and the
// data set that follows it, which is what a C-STORE carries.
func SplitPart10(file []byte) (*FileMeta, []byte, error) {
	if !HasPart10Header(file) {
		return nil, nil, ErrNotPart10
	}
	meta := &FileMeta{}
	offset := part10PreambleLength + 4
	for offset+8 <= len(file) {
		group := binary.LittleEndian.Uint16(file[offset : offset+2])
		if group != 0x0002 {
			break
		}
		elem := binary.LittleEndian.Uint16(file[offset+2 : offset+4])
		vr := string(file[offset+4 : offset+6])

		var length, header int
		switch vr {
		case "OB", "OW", "OF", "SQ", "UT", "UN":
			if offset+12 > len(file) {
				return nil, nil, fmt.Errorf("%w: truncated file meta", ErrNotPart10)
			}
			length = int(binary.LittleEndian.Uint32(file[offset+8 : offset+12]))
			header = 12
		default:
			length = int(binary.LittleEndian.Uint16(file[offset+6 : offset+8]))
			header = 8
		}
		start := offset + header
		end := start + length
		if end > len(file) {
			return nil, nil, fmt.Errorf("%w: file meta element (0002,%04x) overruns file", ErrNotPart10, elem)
		}

		switch elem {
		case 0x0002:
			meta.SOPClassUID = normalizeUID(file[start:end])
		case 0x0003:
			meta.SOPInstanceUID = normalizeUID(file[start:end])
		case 0x0010:
			meta.TransferSyntaxUID = normalizeUID(file[start:end])
		}
		offset = end
	}
	if meta.SOPClassUID == "" || meta.SOPInstanceUID == "" || meta.TransferSyntaxUID == "" {
		return nil, nil, fmt.Errorf("%w: file meta lacks SOP class, instance or transfer syntax", ErrNotPart10)
	}
	return meta, file[offset:], nil
}

// appendExplicitShort writes a group 0002 element with a 16-bit length.
func appendExplicitShort(dst []byte, elem uint16, vr string, value []byte) []byte {
	header := make([]byte, 8)
	binary.LittleEndian.PutUint16(header[0:2], 0x0002)
	binary.LittleEndian.PutUint16(header[2:4], elem)
	copy(header[4:6], vr)
	binary.LittleEndian.PutUint16(header[6:8], uint16(len(value)))
	dst = append(dst, header...)
	return append(dst, value...)
}

// appendExplicitOB writes a group 0002 OB element, which carries two
// reserved bytes and a 32-bit length.
func appendExplicitOB(dst []byte, elem uint16, value []byte) []byte {
	header := make([]byte, 12)
	binary.LittleEndian.PutUint16(header[0:2], 0x0002)
	binary.LittleEndian.PutUint16(header[2:4], elem)
	copy(header[4:6], "OB")
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(value)))
	dst = append(dst, header...)
	return append(dst, value...)
}

func uidValue(uid string) []byte {
	v := []byte(uid)
	if len(v)%2 != 0 {
		v = append(v, 0x00)
	}
	return v
}

func textValue(s string) []byte {
	v := []byte(s)
	if len(v)%2 != 0 {
		v = append(v, ' ')
	}
	return v
}
