// Package sni extracts the server_name TLS extension from a raw ClientHello
// record, written directly against the public TLS 1.2/1.3 record and
// handshake wire format using stdlib encoding/binary.
package sni

import (
	"encoding/binary"
	"errors"
)

// ErrNotClientHello is returned when the input does not begin with a TLS
// handshake record containing a ClientHello.
var ErrNotClientHello = errors.New("sni: not a TLS ClientHello record")

const (
	recordTypeHandshake  = 0x16
	handshakeTypeClient  = 0x01
	extensionServerName  = 0x0000
	serverNameTypeHost   = 0x00
)

// LooksLikeClientHello reports whether the first bytes of a peeked buffer
// are consistent with a TLS record carrying a ClientHello: record type
// 0x16, version major 0x03.
func LooksLikeClientHello(b []byte) bool {
	return len(b) >= 3 && b[0] == recordTypeHandshake && b[1] == 0x03
}

// ExtractServerName parses a buffer containing one or more TLS records and
// returns the first HostName entry in the server_name extension of the
// first ClientHello found. Malformed or incomplete input returns
// ErrNotClientHello; callers should fall back to the original CONNECT
// target host in that case.
func ExtractServerName(buf []byte) (string, error) {
	if !LooksLikeClientHello(buf) {
		return "", ErrNotClientHello
	}

	// TLS record header: type(1) version(2) length(2).
	if len(buf) < 5 {
		return "", ErrNotClientHello
	}
	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	if len(buf) < 5+recordLen {
		return "", ErrNotClientHello
	}
	hs := buf[5 : 5+recordLen]

	// Handshake header: type(1) length(3).
	if len(hs) < 4 || hs[0] != handshakeTypeClient {
		return "", ErrNotClientHello
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if len(body) < hsLen {
		return "", ErrNotClientHello
	}
	body = body[:hsLen]

	// ClientHello body: version(2) random(32) session_id(1+len)
	// cipher_suites(2+len) compression_methods(1+len) extensions(2+len).
	pos := 2 + 32
	if len(body) < pos+1 {
		return "", ErrNotClientHello
	}
	sessIDLen := int(body[pos])
	pos += 1 + sessIDLen
	if len(body) < pos+2 {
		return "", ErrNotClientHello
	}
	cipherLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2 + cipherLen
	if len(body) < pos+1 {
		return "", ErrNotClientHello
	}
	compLen := int(body[pos])
	pos += 1 + compLen
	if len(body) < pos+2 {
		return "", ErrNotClientHello
	}
	extTotalLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+extTotalLen {
		return "", ErrNotClientHello
	}
	extensions := body[pos : pos+extTotalLen]

	for len(extensions) >= 4 {
		extType := binary.BigEndian.Uint16(extensions[0:2])
		extLen := int(binary.BigEndian.Uint16(extensions[2:4]))
		if len(extensions) < 4+extLen {
			break
		}
		extData := extensions[4 : 4+extLen]
		if extType == extensionServerName {
			if name, ok := parseServerNameExtension(extData); ok {
				return name, nil
			}
		}
		extensions = extensions[4+extLen:]
	}
	return "", ErrNotClientHello
}

// parseServerNameExtension walks the server_name_list looking for the
// first host_name entry.
func parseServerNameExtension(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(data[0:2]))
	list := data[2:]
	if len(list) < listLen {
		return "", false
	}
	list = list[:listLen]

	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(binary.BigEndian.Uint16(list[1:3]))
		if len(list) < 3+nameLen {
			break
		}
		if nameType == serverNameTypeHost {
			return string(list[3 : 3+nameLen]), true
		}
		list = list[3+nameLen:]
	}
	return "", false
}
