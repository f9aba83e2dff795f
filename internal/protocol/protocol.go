// Package protocol implements the binary wire format of the UDP BitTorrent
// tracker protocol (BEP 15). The codec is pure and stateless: it never does
// I/O and never answers malformed input.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net/netip"
)

// Wire actions. The set is closed; anything else is a decode error.
const (
	ActionConnect  uint32 = 0
	ActionAnnounce uint32 = 1
	ActionScrape   uint32 = 2
	ActionError    uint32 = 3
)

// ProtocolMagic is the fixed constant a connect request carries in place of
// a connection ID.
const ProtocolMagic uint64 = 0x41727101980

// Event is the announce event field.
type Event uint32

const (
	EventNone      Event = 0
	EventCompleted Event = 1
	EventStarted   Event = 2
	EventStopped   Event = 3
)

// Packet sizes. Connect and announce requests are fixed-size; scrape grows
// by 20 bytes per info-hash.
const (
	ConnectRequestSize  = 16
	AnnounceRequestSize = 98
	ScrapeHeaderSize    = 16

	connectResponseSize  = 16
	announceHeaderSize   = 20
	scrapeResponseHeader = 8
	scrapeEntrySize      = 12

	peerEntrySizeV4 = 6
	peerEntrySizeV6 = 18
)

// Decode errors. Decode failure must never produce a wire response.
var (
	ErrTooShort      = errors.New("protocol: packet too short")
	ErrBadMagic      = errors.New("protocol: connect magic mismatch")
	ErrUnknownAction = errors.New("protocol: unsupported action")
	ErrTrailingBytes = errors.New("protocol: trailing bytes after request")
	ErrBadEvent      = errors.New("protocol: unsupported announce event")
	ErrScrapeEmpty   = errors.New("protocol: scrape request carries no info-hashes")
	ErrScrapeTooLong = errors.New("protocol: scrape request exceeds info-hash limit")
	ErrScrapeRagged  = errors.New("protocol: scrape body is not a whole number of info-hashes")
)

// InfoHash identifies a swarm. Opaque 20 bytes, compared byte-wise.
type InfoHash [20]byte

func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

// InfoHashFromBytes copies the first 20 bytes of b. Callers validate length.
func InfoHashFromBytes(b []byte) InfoHash {
	var h InfoHash
	copy(h[:], b)
	return h
}

// PeerID is the client-chosen peer identifier. Opaque 20 bytes.
type PeerID [20]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// PeerIDFromBytes copies the first 20 bytes of b.
func PeerIDFromBytes(b []byte) PeerID {
	var p PeerID
	copy(p[:], b)
	return p
}

// Request is the closed set of decodable requests. Dispatch by type switch.
type Request interface{ isRequest() }

// ConnectRequest asks for a connection token.
type ConnectRequest struct {
	TransactionID uint32
}

// AnnounceRequest reports a peer's state and asks for peers.
type AnnounceRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHash      InfoHash
	PeerID        PeerID
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         Event
	// IP is the raw 32-bit address field; zero means "use the source
	// address". Only meaningful for IPv4 sources.
	IP      uint32
	Key     uint32
	NumWant int32
	Port    uint16
}

// ScrapeRequest asks for aggregate stats of one or more swarms.
type ScrapeRequest struct {
	ConnectionID  uint64
	TransactionID uint32
	InfoHashes    []InfoHash
}

func (ConnectRequest) isRequest()  {}
func (AnnounceRequest) isRequest() {}
func (ScrapeRequest) isRequest()   {}

// DecodeRequest parses a datagram into one of the request variants.
// maxScrapeHashes bounds the scrape list; longer packets are rejected.
func DecodeRequest(buf []byte, maxScrapeHashes int) (Request, error) {
	if len(buf) < ConnectRequestSize {
		return nil, ErrTooShort
	}

	action := bigU32(buf[8:12])
	transactionID := bigU32(buf[12:16])

	switch action {
	case ActionConnect:
		if bigU64(buf[0:8]) != ProtocolMagic {
			return nil, ErrBadMagic
		}
		if len(buf) != ConnectRequestSize {
			return nil, ErrTrailingBytes
		}
		return ConnectRequest{TransactionID: transactionID}, nil

	case ActionAnnounce:
		if len(buf) < AnnounceRequestSize {
			return nil, ErrTooShort
		}
		if len(buf) != AnnounceRequestSize {
			return nil, ErrTrailingBytes
		}
		event := Event(bigU32(buf[80:84]))
		if event > EventStopped {
			return nil, ErrBadEvent
		}
		return AnnounceRequest{
			ConnectionID:  bigU64(buf[0:8]),
			TransactionID: transactionID,
			InfoHash:      InfoHashFromBytes(buf[16:36]),
			PeerID:        PeerIDFromBytes(buf[36:56]),
			Downloaded:    bigU64(buf[56:64]),
			Left:          bigU64(buf[64:72]),
			Uploaded:      bigU64(buf[72:80]),
			Event:         event,
			IP:            bigU32(buf[84:88]),
			Key:           bigU32(buf[88:92]),
			NumWant:       int32(bigU32(buf[92:96])),
			Port:          bigU16(buf[96:98]),
		}, nil

	case ActionScrape:
		body := len(buf) - ScrapeHeaderSize
		if body == 0 {
			return nil, ErrScrapeEmpty
		}
		if body%20 != 0 {
			return nil, ErrScrapeRagged
		}
		n := body / 20
		if n > maxScrapeHashes {
			return nil, ErrScrapeTooLong
		}
		hashes := make([]InfoHash, n)
		for i := range hashes {
			hashes[i] = InfoHashFromBytes(buf[ScrapeHeaderSize+i*20:])
		}
		return ScrapeRequest{
			ConnectionID:  bigU64(buf[0:8]),
			TransactionID: transactionID,
			InfoHashes:    hashes,
		}, nil

	default:
		return nil, ErrUnknownAction
	}
}

// EncodeRequest writes the wire form of a request, appended to dst.
// Used by tests and by tracker clients; the server only decodes requests.
func EncodeRequest(dst []byte, req Request) []byte {
	switch r := req.(type) {
	case ConnectRequest:
		dst = appendU64(dst, ProtocolMagic)
		dst = appendU32(dst, ActionConnect)
		dst = appendU32(dst, r.TransactionID)
	case AnnounceRequest:
		dst = appendU64(dst, r.ConnectionID)
		dst = appendU32(dst, ActionAnnounce)
		dst = appendU32(dst, r.TransactionID)
		dst = append(dst, r.InfoHash[:]...)
		dst = append(dst, r.PeerID[:]...)
		dst = appendU64(dst, r.Downloaded)
		dst = appendU64(dst, r.Left)
		dst = appendU64(dst, r.Uploaded)
		dst = appendU32(dst, uint32(r.Event))
		dst = appendU32(dst, r.IP)
		dst = appendU32(dst, r.Key)
		dst = appendU32(dst, uint32(r.NumWant))
		dst = appendU16(dst, r.Port)
	case ScrapeRequest:
		dst = appendU64(dst, r.ConnectionID)
		dst = appendU32(dst, ActionScrape)
		dst = appendU32(dst, r.TransactionID)
		for _, h := range r.InfoHashes {
			dst = append(dst, h[:]...)
		}
	}
	return dst
}

func bigU16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
func bigU32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }
func bigU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func appendU16(dst []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(dst, v) }
func appendU32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }
func appendU64(dst []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(dst, v) }

// unmappedAddr strips the IPv4-in-IPv6 mapping so a v4 peer packs into
// 6 bytes regardless of which socket family carried it.
func unmappedAddr(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
