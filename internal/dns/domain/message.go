package domain

// Fixed values of the DNS messages the proxy synthesizes (RFC 1035 4.1).
const (
	// HeaderLen is the size of the fixed message header.
	HeaderLen = 12

	// MaxLabelLen is the largest length a single name label may declare.
	MaxLabelLen = 63

	// FlagsAnswer is 0x8180: QR=1, RD=1, RA=1, RCODE=NOERROR.
	FlagsAnswer uint16 = 0x8180 | uint16(RCodeNoError)
	// FlagsNXDomain is 0x8183, FlagsAnswer with RCODE=NXDOMAIN.
	FlagsNXDomain uint16 = FlagsAnswer | uint16(RCodeNXDomain)

	// RRTypeA is the IPv4 address record type.
	RRTypeA uint16 = 1
	// RRClassIN is the Internet class.
	RRClassIN uint16 = 1

	// AnswerTTL is the TTL, in seconds, stamped on every local answer.
	AnswerTTL uint32 = 60

	// QNamePointer is a compression pointer to the question name at offset 12.
	QNamePointer uint16 = 0xC000 | HeaderLen

	// DNSPort is the well-known DNS port.
	DNSPort uint16 = 53
)
