package protocol

import (
	"errors"
	"net/netip"
)

// Response is the closed set of encodable responses.
type Response interface{ isResponse() }

// ConnectResponse carries the freshly issued connection token.
type ConnectResponse struct {
	TransactionID uint32
	ConnectionID  uint64
}

// AnnounceResponse carries swarm counts and a packed peer list. The address
// family is fixed per response: IPv6 selects 18-byte peer entries, otherwise
// every peer is packed into 6 bytes. The family must match the socket the
// request arrived on.
type AnnounceResponse struct {
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	IPv6          bool
	Peers         []netip.AddrPort
}

// ScrapeStats is one swarm's aggregate counts. Unknown torrents scrape as
// all zeros.
type ScrapeStats struct {
	Seeders   uint32
	Completed uint32
	Leechers  uint32
}

// ScrapeResponse repeats one stats triple per requested info-hash, in
// request order.
type ScrapeResponse struct {
	TransactionID uint32
	Stats         []ScrapeStats
}

// ErrorResponse carries a human-readable rejection message.
type ErrorResponse struct {
	TransactionID uint32
	Message       string
}

func (ConnectResponse) isResponse()  {}
func (AnnounceResponse) isResponse() {}
func (ScrapeResponse) isResponse()   {}
func (ErrorResponse) isResponse()    {}

// ResponseSize returns the encoded size of r, letting callers size a buffer
// without encoding twice.
func ResponseSize(r Response) int {
	switch r := r.(type) {
	case ConnectResponse:
		return connectResponseSize
	case AnnounceResponse:
		entry := peerEntrySizeV4
		if r.IPv6 {
			entry = peerEntrySizeV6
		}
		return announceHeaderSize + entry*len(r.Peers)
	case ScrapeResponse:
		return scrapeResponseHeader + scrapeEntrySize*len(r.Stats)
	case ErrorResponse:
		return 8 + len(r.Message)
	}
	return 0
}

// EncodeResponse appends the wire form of r to dst and returns the result.
func EncodeResponse(dst []byte, r Response) []byte {
	switch r := r.(type) {
	case ConnectResponse:
		dst = appendU32(dst, ActionConnect)
		dst = appendU32(dst, r.TransactionID)
		dst = appendU64(dst, r.ConnectionID)

	case AnnounceResponse:
		dst = appendU32(dst, ActionAnnounce)
		dst = appendU32(dst, r.TransactionID)
		dst = appendU32(dst, r.Interval)
		dst = appendU32(dst, r.Leechers)
		dst = appendU32(dst, r.Seeders)
		for _, p := range r.Peers {
			p = unmappedAddr(p)
			if r.IPv6 {
				a := p.Addr().As16()
				dst = append(dst, a[:]...)
			} else {
				a := p.Addr().As4()
				dst = append(dst, a[:]...)
			}
			dst = appendU16(dst, p.Port())
		}

	case ScrapeResponse:
		dst = appendU32(dst, ActionScrape)
		dst = appendU32(dst, r.TransactionID)
		for _, s := range r.Stats {
			dst = appendU32(dst, s.Seeders)
			dst = appendU32(dst, s.Completed)
			dst = appendU32(dst, s.Leechers)
		}

	case ErrorResponse:
		dst = appendU32(dst, ActionError)
		dst = appendU32(dst, r.TransactionID)
		dst = append(dst, r.Message...)
	}
	return dst
}

var errBadResponse = errors.New("protocol: malformed response")

// DecodeResponse parses a response datagram. ipv6 selects the peer entry
// width for announce responses, mirroring the family fixed at encode time.
// The server never calls this; clients and tests do.
func DecodeResponse(buf []byte, ipv6 bool) (Response, error) {
	if len(buf) < 8 {
		return nil, ErrTooShort
	}
	action := bigU32(buf[0:4])
	transactionID := bigU32(buf[4:8])

	switch action {
	case ActionConnect:
		if len(buf) != connectResponseSize {
			return nil, errBadResponse
		}
		return ConnectResponse{
			TransactionID: transactionID,
			ConnectionID:  bigU64(buf[8:16]),
		}, nil

	case ActionAnnounce:
		if len(buf) < announceHeaderSize {
			return nil, ErrTooShort
		}
		entry := peerEntrySizeV4
		if ipv6 {
			entry = peerEntrySizeV6
		}
		body := len(buf) - announceHeaderSize
		if body%entry != 0 {
			return nil, errBadResponse
		}
		resp := AnnounceResponse{
			TransactionID: transactionID,
			Interval:      bigU32(buf[8:12]),
			Leechers:      bigU32(buf[12:16]),
			Seeders:       bigU32(buf[16:20]),
			IPv6:          ipv6,
		}
		n := body / entry
		if n > 0 {
			resp.Peers = make([]netip.AddrPort, 0, n)
		}
		for i := 0; i < n; i++ {
			off := announceHeaderSize + i*entry
			var addr netip.Addr
			if ipv6 {
				addr = netip.AddrFrom16([16]byte(buf[off : off+16]))
			} else {
				addr = netip.AddrFrom4([4]byte(buf[off : off+4]))
			}
			port := bigU16(buf[off+entry-2 : off+entry])
			resp.Peers = append(resp.Peers, netip.AddrPortFrom(addr, port))
		}
		return resp, nil

	case ActionScrape:
		body := len(buf) - scrapeResponseHeader
		if body%scrapeEntrySize != 0 {
			return nil, errBadResponse
		}
		n := body / scrapeEntrySize
		resp := ScrapeResponse{TransactionID: transactionID}
		if n > 0 {
			resp.Stats = make([]ScrapeStats, 0, n)
		}
		for i := 0; i < n; i++ {
			off := scrapeResponseHeader + i*scrapeEntrySize
			resp.Stats = append(resp.Stats, ScrapeStats{
				Seeders:   bigU32(buf[off : off+4]),
				Completed: bigU32(buf[off+4 : off+8]),
				Leechers:  bigU32(buf[off+8 : off+12]),
			})
		}
		return resp, nil

	case ActionError:
		return ErrorResponse{
			TransactionID: transactionID,
			Message:       string(buf[8:]),
		}, nil

	default:
		return nil, ErrUnknownAction
	}
}
