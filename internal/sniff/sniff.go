// Package sniff parses an unauthenticated DTLS ClientHello prefix to
// extract a session identifier, without decrypting or otherwise
// interpreting anything beyond that prefix.
//
// The parser never indexes the input without a prior length check
//; every read goes through cursor, which reports
// failure instead of panicking on a short buffer.
package sniff

import (
	"encoding/binary"
	"errors"
)

// ExtensionTypeApplicationID is the custom TLS extension carrying a
// stable session identifier that survives NAT rebinds.
const ExtensionTypeApplicationID = 48018

// Fixed-offset layout:
//
//	DTLS record header:            13 bytes
//	ClientHello preamble:          46 bytes (handshake header 12 + client_version 2 + random 32)
//	legacy SessionID field:        1 length byte + up to 32 bytes
//	extension vector length field: 2 bytes
const (
	recordHeaderLen        = 13
	clientHelloPreambleLen = 46
	legacySessionIDMaxLen  = 32
	extensionLenFieldLen   = 2

	legacySessionIDOffset = recordHeaderLen + clientHelloPreambleLen

	minSniffLen = recordHeaderLen + clientHelloPreambleLen + legacySessionIDMaxLen + extensionLenFieldLen
)

// ErrReject is returned when the datagram is too short or malformed to
// carry any recognizable session identifier.
var ErrReject = errors.New("sniff: reject")

// errLegacyFallback signals that the ApplicationID extension could not
// be located and the legacy SessionID field should be consulted
// instead. Internal to Sniff; never returned to callers.
var errLegacyFallback = errors.New("sniff: fall back to legacy session id")

// Sniff extracts a session identifier from the first bytes of an
// unauthenticated UDP datagram believed to be a DTLS ClientHello.
//
// When useExtension is true (the deployment advertises the custom
// ApplicationID extension), Sniff looks for extension type 48018 first,
// falling back to the legacy 32-byte SessionID field when the extension
// is absent or the preamble is malformed short of the extension vector.
// An extension vector or ApplicationID body whose declared length
// overruns the record rejects the whole datagram: nothing past that
// point can be trusted, legacy field included. When useExtension is
// false, only the legacy field is consulted.
//
// The returned slice aliases datagram; it is never allocated and is
// always a subrange of the input: the result is either a reject or a
// slice entirely within input, for every possible input.
func Sniff(datagram []byte, useExtension bool) ([]byte, error) {
	if len(datagram) < minSniffLen {
		return nil, ErrReject
	}

	if useExtension {
		id, err := sniffExtension(datagram)
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, errLegacyFallback):
			// Extension absent; the legacy field may still be usable.
		default:
			return nil, err
		}
	}

	return legacySessionID(datagram)
}

// legacySessionID reads the fixed-offset length-prefixed SessionID field.
func legacySessionID(datagram []byte) ([]byte, error) {
	c := cursor{buf: datagram, pos: legacySessionIDOffset}

	n, ok := c.readUint8()
	if !ok || n > legacySessionIDMaxLen {
		return nil, ErrReject
	}

	id, ok := c.readBytes(int(n))
	if !ok {
		return nil, ErrReject
	}
	return id, nil
}

// sniffExtension walks past SessionID, Cookie, CipherSuites, and
// CompressionMethods to reach the extension vector, then looks for
// ExtensionTypeApplicationID. A bounds violation before the extension
// vector's length field yields errLegacyFallback; a declared vector
// length exceeding the record yields ErrReject — the datagram is
// hostile or corrupt, and nothing in it may be trusted.
func sniffExtension(datagram []byte) ([]byte, error) {
	c := cursor{buf: datagram, pos: legacySessionIDOffset}

	sessionIDLen, ok := c.readUint8()
	if !ok || !c.skip(int(sessionIDLen)) {
		return nil, errLegacyFallback
	}

	// DTLS-specific Cookie field: <0..2^8-1>.
	cookieLen, ok := c.readUint8()
	if !ok || !c.skip(int(cookieLen)) {
		return nil, errLegacyFallback
	}

	// CipherSuites: <0..2^16-1>.
	cipherSuitesLen, ok := c.readUint16()
	if !ok || !c.skip(int(cipherSuitesLen)) {
		return nil, errLegacyFallback
	}

	// CompressionMethods: <0..2^8-1>.
	compressionLen, ok := c.readUint8()
	if !ok || !c.skip(int(compressionLen)) {
		return nil, errLegacyFallback
	}

	extTotalLen, ok := c.readUint16()
	if !ok {
		return nil, errLegacyFallback
	}
	extData, ok := c.readBytes(int(extTotalLen))
	if !ok {
		// Declared extension-vector length exceeds what's actually in
		// the record.
		return nil, ErrReject
	}

	return findApplicationIDExtension(extData)
}

// findApplicationIDExtension iterates a type(2)||length(2)||body vector
// looking for ExtensionTypeApplicationID. Each extension's body is itself
// length(2)||id_len(1)||id[id_len]; the inner length field is consumed
// but not independently validated. A truncated non-matching extension
// yields errLegacyFallback, as does an absent extension; a bounds
// violation inside a matched ApplicationID body yields ErrReject.
func findApplicationIDExtension(extData []byte) ([]byte, error) {
	c := cursor{buf: extData}

	for c.remaining() > 0 {
		typ, ok := c.readUint16()
		if !ok {
			return nil, errLegacyFallback
		}
		length, ok := c.readUint16()
		if !ok {
			return nil, errLegacyFallback
		}
		body, ok := c.readBytes(int(length))
		if !ok {
			if typ == ExtensionTypeApplicationID {
				return nil, ErrReject
			}
			return nil, errLegacyFallback
		}

		if typ != ExtensionTypeApplicationID {
			continue
		}

		bc := cursor{buf: body}
		if !bc.skip(2) { // inner length(2), not independently validated
			return nil, ErrReject
		}
		idLen, ok := bc.readUint8()
		if !ok {
			return nil, ErrReject
		}
		id, ok := bc.readBytes(int(idLen))
		if !ok {
			return nil, ErrReject
		}
		return id, nil
	}

	return nil, errLegacyFallback
}

// cursor is a bounds-checked read head over a byte slice. Every method
// reports failure instead of panicking; callers must check ok before
// trusting the result.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int {
	if c.pos > len(c.buf) {
		return 0
	}
	return len(c.buf) - c.pos
}

func (c *cursor) skip(n int) bool {
	if n < 0 || c.remaining() < n {
		return false
	}
	c.pos += n
	return true
}

func (c *cursor) readUint8() (uint8, bool) {
	if c.remaining() < 1 {
		return 0, false
	}
	v := c.buf[c.pos]
	c.pos++
	return v, true
}

func (c *cursor) readUint16() (uint16, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, true
}

func (c *cursor) readBytes(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}
