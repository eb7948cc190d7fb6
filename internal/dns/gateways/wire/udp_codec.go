// Package wire provides byte-level parsing and synthesis of the DNS messages
// the proxy answers or relays. It follows the RFC 1035 layout and never
// re-encodes a question: question bytes are copied verbatim from the request.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/haukened/rr-dnsproxy/internal/dns/common/log"
	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

// ErrShortMessage is returned when a buffer is shorter than the fixed header.
var ErrShortMessage = errors.New("message shorter than DNS header")

// maxResponseLen is the classic UDP DNS payload limit and the initial
// capacity of synthesized responses.
const maxResponseLen = 512

// answerRecordLen is pointer(2) + type(2) + class(2) + ttl(4) + rdlength(2) + rdata(4).
const answerRecordLen = 16

// Codec implements MessageCodec for DNS over UDP.
type Codec struct {
	logger log.Logger
}

// NewUDPCodec creates and returns a new Codec using the provided logger.
func NewUDPCodec(logger log.Logger) *Codec {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Codec{logger: logger}
}

// TransactionID returns the message id.
func (c *Codec) TransactionID(msg []byte) uint16 {
	return binary.BigEndian.Uint16(msg[0:2])
}

// RewriteID overwrites the first two bytes of msg with id, big-endian.
// The rest of the message is left untouched.
func (c *Codec) RewriteID(msg []byte, id uint16) {
	binary.BigEndian.PutUint16(msg[0:2], id)
}

// RCode returns the response code in the low bits of the flags.
func (c *Codec) RCode(msg []byte) domain.RCode {
	return domain.RCodeFromFlags(binary.BigEndian.Uint16(msg[2:4]))
}

// ParseName decodes a sequence of length-prefixed labels terminated by a
// zero-length label and joins them with ".". Decoding stops early and
// returns what was decoded so far when a length byte exceeds 63 (this
// includes compression pointers) or a label would run past the buffer.
func (c *Codec) ParseName(data []byte) string {
	var sb strings.Builder
	pos := 0

	for pos < len(data) && data[pos] != 0 {
		labelLen := int(data[pos])
		pos++
		if labelLen > domain.MaxLabelLen || pos+labelLen > len(data) {
			c.logger.Debug(map[string]any{
				"offset":    domain.HeaderLen + pos - 1,
				"label_len": labelLen,
				"decoded":   sb.String(),
			}, "Truncated question name")
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.Write(data[pos : pos+labelLen])
		pos += labelLen
	}

	return sb.String()
}

// questionSection returns the question bytes of req as they should be
// echoed: the name up to and including its zero label, then up to four
// bytes of QTYPE and QCLASS. A truncated request yields whatever is present.
func questionSection(req []byte) []byte {
	pos := domain.HeaderLen
	for pos < len(req) && req[pos] != 0 {
		pos++
	}
	if pos < len(req) {
		pos++ // zero label
	}
	end := pos + 4 // QTYPE + QCLASS
	if end > len(req) {
		end = len(req)
	}
	return req[domain.HeaderLen:end]
}

// writeHeader appends a response header that copies the id and QDCOUNT of req.
func writeHeader(buf []byte, req []byte, flags, anCount uint16) []byte {
	buf = append(buf, req[0], req[1])
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = append(buf, req[4], req[5])
	buf = binary.BigEndian.AppendUint16(buf, anCount)
	buf = binary.BigEndian.AppendUint16(buf, 0) // NSCOUNT
	buf = binary.BigEndian.AppendUint16(buf, 0) // ARCOUNT
	return buf
}

// BuildAnswer synthesizes the local answer for req: flags 0x8180, one A
// record pointing back at the question name, TTL 60, and the four address
// octets in their configured order.
func (c *Codec) BuildAnswer(req []byte, addr domain.Address) ([]byte, error) {
	if len(req) < domain.HeaderLen {
		return nil, fmt.Errorf("build answer: %w (%d bytes)", ErrShortMessage, len(req))
	}

	question := questionSection(req)
	buf := make([]byte, 0, max(maxResponseLen, domain.HeaderLen+len(question)+answerRecordLen))
	buf = writeHeader(buf, req, domain.FlagsAnswer, 1)
	buf = append(buf, question...)

	buf = binary.BigEndian.AppendUint16(buf, domain.QNamePointer)
	buf = binary.BigEndian.AppendUint16(buf, domain.RRTypeA)
	buf = binary.BigEndian.AppendUint16(buf, domain.RRClassIN)
	buf = binary.BigEndian.AppendUint32(buf, domain.AnswerTTL)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(addr)))
	buf = append(buf, addr[:]...)

	c.logger.Debug(map[string]any{
		"id":      c.TransactionID(buf),
		"address": addr.String(),
		"size":    len(buf),
	}, "Built local answer")

	return buf, nil
}

// BuildNXDomain synthesizes an NXDOMAIN response for req: flags 0x8183,
// the question echoed, and no records.
func (c *Codec) BuildNXDomain(req []byte) ([]byte, error) {
	if len(req) < domain.HeaderLen {
		return nil, fmt.Errorf("build nxdomain: %w (%d bytes)", ErrShortMessage, len(req))
	}

	question := questionSection(req)
	buf := make([]byte, 0, domain.HeaderLen+len(question))
	buf = writeHeader(buf, req, domain.FlagsNXDomain, 0)
	buf = append(buf, question...)

	c.logger.Debug(map[string]any{
		"id":   c.TransactionID(buf),
		"size": len(buf),
	}, "Built NXDOMAIN response")

	return buf, nil
}

var _ MessageCodec = (*Codec)(nil)
