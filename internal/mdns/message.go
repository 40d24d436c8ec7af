// Package mdns answers multicast DNS A queries for deployment hostnames.
package mdns

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrMalformed indicates a packet that could not be decoded.
	ErrMalformed = errors.New("mdns: malformed message")
	// ErrNotQuery indicates a well-formed response where a query was expected.
	ErrNotQuery = errors.New("mdns: message is a response")
)

const (
	headerLen = 12

	maxLabelLen   = 63
	maxNameLen    = 255
	maxPointerHop = 16

	// TypeA is the IPv4 address record type.
	TypeA uint16 = 1
	// TypeANY matches every record type in a question.
	TypeANY uint16 = 255
	// ClassIN is the Internet class.
	ClassIN uint16 = 1

	flagResponse      uint16 = 0x8000
	flagAuthoritative uint16 = 0x0400
	cacheFlushBit     uint16 = 0x8000
	unicastBit        uint16 = 0x8000

	pointerMask = 0xC0
)

// Header is the fixed 12-byte DNS message header.
type Header struct {
	ID      uint16
	Flags   uint16
	QDCount uint16
	ANCount uint16
	NSCount uint16
	ARCount uint16
}

// IsResponse reports whether the QR bit is set.
func (h Header) IsResponse() bool {
	return h.Flags&flagResponse != 0
}

func (h Header) append(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, h.ID)
	b = binary.BigEndian.AppendUint16(b, h.Flags)
	b = binary.BigEndian.AppendUint16(b, h.QDCount)
	b = binary.BigEndian.AppendUint16(b, h.ANCount)
	b = binary.BigEndian.AppendUint16(b, h.NSCount)
	return binary.BigEndian.AppendUint16(b, h.ARCount)
}

func decodeHeader(msg []byte) (Header, error) {
	if len(msg) < headerLen {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformed, len(msg))
	}
	return Header{
		ID:      binary.BigEndian.Uint16(msg[0:2]),
		Flags:   binary.BigEndian.Uint16(msg[2:4]),
		QDCount: binary.BigEndian.Uint16(msg[4:6]),
		ANCount: binary.BigEndian.Uint16(msg[6:8]),
		NSCount: binary.BigEndian.Uint16(msg[8:10]),
		ARCount: binary.BigEndian.Uint16(msg[10:12]),
	}, nil
}

// Question is one entry of the question section.
type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// UnicastResponse reports whether the querier asked for a unicast reply.
func (q Question) UnicastResponse() bool {
	return q.Class&unicastBit != 0
}

// Matches reports whether the question asks for an A record of name.
func (q Question) Matches(name string) bool {
	if q.Type != TypeA && q.Type != TypeANY {
		return false
	}
	class := q.Class &^ unicastBit
	if class != ClassIN && class != TypeANY {
		return false
	}
	return strings.EqualFold(q.Name, name)
}

// ResourceRecord is an A record answer.
type ResourceRecord struct {
	Name       string
	Type       uint16
	Class      uint16
	CacheFlush bool
	TTL        uint32
	IP         net.IP
}

// Query is a decoded question-bearing message.
type Query struct {
	Header    Header
	Questions []Question
}

// EncodeName converts a dotted name to uncompressed wire format.
func EncodeName(name string) ([]byte, error) {
	return appendName(nil, name)
}

func appendName(b []byte, name string) ([]byte, error) {
	name = strings.TrimSuffix(name, ".")
	start := len(b)
	if name != "" {
		for _, label := range strings.Split(name, ".") {
			if label == "" {
				return nil, fmt.Errorf("%w: empty label in %q", ErrMalformed, name)
			}
			if len(label) > maxLabelLen {
				return nil, fmt.Errorf("%w: label %q exceeds %d bytes", ErrMalformed, label, maxLabelLen)
			}
			b = append(b, byte(len(label)))
			b = append(b, label...)
		}
	}
	b = append(b, 0)
	if len(b)-start > maxNameLen {
		return nil, fmt.Errorf("%w: name exceeds %d bytes", ErrMalformed, maxNameLen)
	}
	return b, nil
}

// DecodeName reads a possibly compressed name starting at offset and returns
// it together with the offset just past the name in the original stream.
func DecodeName(msg []byte, offset int) (string, int, error) {
	var (
		labels  []string
		total   int
		jumps   int
		next    = -1
		current = offset
	)
	for {
		if current >= len(msg) {
			return "", 0, fmt.Errorf("%w: name runs past end of message", ErrMalformed)
		}
		length := int(msg[current])
		switch {
		case length == 0:
			if next < 0 {
				next = current + 1
			}
			return strings.Join(labels, "."), next, nil
		case length&pointerMask == pointerMask:
			if current+1 >= len(msg) {
				return "", 0, fmt.Errorf("%w: truncated compression pointer", ErrMalformed)
			}
			jumps++
			if jumps > maxPointerHop {
				return "", 0, fmt.Errorf("%w: too many compression pointers", ErrMalformed)
			}
			if next < 0 {
				next = current + 2
			}
			current = int(binary.BigEndian.Uint16(msg[current:current+2]) & 0x3FFF)
		case length&pointerMask != 0:
			return "", 0, fmt.Errorf("%w: unsupported label type 0x%02x", ErrMalformed, length)
		default:
			end := current + 1 + length
			if end > len(msg) {
				return "", 0, fmt.Errorf("%w: label runs past end of message", ErrMalformed)
			}
			total += length + 1
			if total+1 > maxNameLen {
				return "", 0, fmt.Errorf("%w: name exceeds %d bytes", ErrMalformed, maxNameLen)
			}
			labels = append(labels, string(msg[current+1:end]))
			current = end
		}
	}
}

// ParseQuery decodes the header and question section of a query.
func ParseQuery(msg []byte) (Query, error) {
	header, err := decodeHeader(msg)
	if err != nil {
		return Query{}, err
	}
	if header.IsResponse() {
		return Query{}, ErrNotQuery
	}
	questions := make([]Question, 0, header.QDCount)
	offset := headerLen
	for i := 0; i < int(header.QDCount); i++ {
		name, next, err := DecodeName(msg, offset)
		if err != nil {
			return Query{}, err
		}
		if next+4 > len(msg) {
			return Query{}, fmt.Errorf("%w: truncated question", ErrMalformed)
		}
		questions = append(questions, Question{
			Name:  name,
			Type:  binary.BigEndian.Uint16(msg[next : next+2]),
			Class: binary.BigEndian.Uint16(msg[next+2 : next+4]),
		})
		offset = next + 4
	}
	return Query{Header: header, Questions: questions}, nil
}

// BuildAResponse encodes an authoritative response carrying one A record.
func BuildAResponse(id uint16, name string, ip net.IP, ttl uint32) ([]byte, error) {
	return appendResponse(make([]byte, 0, 64), Header{
		ID:      id,
		Flags:   flagResponse | flagAuthoritative,
		ANCount: 1,
	}, ResourceRecord{
		Name:       name,
		Type:       TypeA,
		Class:      ClassIN,
		CacheFlush: true,
		TTL:        ttl,
		IP:         ip,
	})
}

func appendResponse(b []byte, header Header, rr ResourceRecord) ([]byte, error) {
	ip4 := rr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("mdns: %v is not an IPv4 address", rr.IP)
	}
	b = header.append(b)
	b, err := appendName(b, rr.Name)
	if err != nil {
		return nil, err
	}
	class := rr.Class
	if rr.CacheFlush {
		class |= cacheFlushBit
	}
	b = binary.BigEndian.AppendUint16(b, rr.Type)
	b = binary.BigEndian.AppendUint16(b, class)
	b = binary.BigEndian.AppendUint32(b, rr.TTL)
	b = binary.BigEndian.AppendUint16(b, uint16(len(ip4)))
	return append(b, ip4...), nil
}
