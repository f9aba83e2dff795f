// Package connection implements the anti-spoof connection tokens of the
// UDP tracker handshake. Tokens are never stored: they are recomputed on
// demand from the client address, a time bucket and a per-process secret,
// so the validator carries no mutable state and cannot grow.
package connection

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2b"
)

const secretSize = 32

// Validator issues and checks connection tokens. Safe for concurrent use;
// every method is a pure function of its inputs and the fixed secret.
type Validator struct {
	secret      [secretSize]byte
	bucketWidth time.Duration
}

// NewValidator draws a fresh process secret. Tokens do not survive a
// restart; clients simply reconnect, which is within protocol semantics.
func NewValidator(bucketWidth time.Duration) (*Validator, error) {
	v := &Validator{bucketWidth: bucketWidth}
	if _, err := rand.Read(v.secret[:]); err != nil {
		return nil, fmt.Errorf("failed to generate connection secret: %w", err)
	}
	return v, nil
}

// Issue returns the token for addr in the bucket containing now.
func (v *Validator) Issue(addr netip.Addr, now time.Time) uint64 {
	return v.tokenFor(addr, v.bucket(now))
}

// Validate reports whether token was issued to addr in the current bucket
// or the one before it. The one-bucket grace covers clients that connect
// just before a boundary. Comparison is constant-time.
func (v *Validator) Validate(token uint64, addr netip.Addr, now time.Time) bool {
	var got [8]byte
	binary.BigEndian.PutUint64(got[:], token)

	bucket := v.bucket(now)
	for _, b := range [2]int64{bucket, bucket - 1} {
		var want [8]byte
		binary.BigEndian.PutUint64(want[:], v.tokenFor(addr, b))
		if subtle.ConstantTimeCompare(got[:], want[:]) == 1 {
			return true
		}
	}
	return false
}

func (v *Validator) bucket(now time.Time) int64 {
	return now.UnixNano() / int64(v.bucketWidth)
}

// tokenFor is a keyed BLAKE2b MAC over (ip, bucket), truncated to the
// 64-bit connection_id field. Ports are excluded: NAT may renumber the
// source port between connect and announce.
func (v *Validator) tokenFor(addr netip.Addr, bucket int64) uint64 {
	h, err := blake2b.New(8, v.secret[:])
	if err != nil {
		// Only reachable with an invalid key size, which is fixed here.
		panic(err)
	}
	ip := addr.Unmap().As16()
	h.Write(ip[:])

	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(bucket))
	h.Write(b[:])

	return binary.BigEndian.Uint64(h.Sum(nil))
}
