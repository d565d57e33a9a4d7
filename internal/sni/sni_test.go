package sni

import (
	"encoding/binary"
	"testing"
)

// buildClientHello constructs a minimal, well-formed TLS record carrying a
// ClientHello with a single server_name extension naming host, for testing
// ExtractServerName against the public wire format it parses.
func buildClientHello(host string) []byte {
	var sniList []byte
	sniList = append(sniList, 0x00) // host_name type
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(host)))
	sniList = append(sniList, nameLen...)
	sniList = append(sniList, []byte(host)...)

	sniListLen := make([]byte, 2)
	binary.BigEndian.PutUint16(sniListLen, uint16(len(sniList)))
	sniExtData := append(sniListLen, sniList...)

	var extensions []byte
	extensions = append(extensions, 0x00, 0x00) // extension type: server_name
	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(len(sniExtData)))
	extensions = append(extensions, extLen...)
	extensions = append(extensions, sniExtData...)

	var body []byte
	body = append(body, 0x03, 0x03)          // client_version
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id len
	body = append(body, 0x00, 0x02, 0x00, 0x00) // cipher_suites (len 2, one suite)
	body = append(body, 0x01, 0x00)          // compression_methods (len 1, null)
	extTotalLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extTotalLen, uint16(len(extensions)))
	body = append(body, extTotalLen...)
	body = append(body, extensions...)

	hsLen := len(body)
	hs := []byte{handshakeTypeClient, byte(hsLen >> 16), byte(hsLen >> 8), byte(hsLen)}
	hs = append(hs, body...)

	recLen := make([]byte, 2)
	binary.BigEndian.PutUint16(recLen, uint16(len(hs)))
	record := []byte{recordTypeHandshake, 0x03, 0x03}
	record = append(record, recLen...)
	record = append(record, hs...)
	return record
}

func TestLooksLikeClientHello(t *testing.T) {
	if !LooksLikeClientHello(buildClientHello("example.com")) {
		t.Error("want true for a well-formed ClientHello record")
	}
	if LooksLikeClientHello([]byte("GET / HTTP/1.1\r\n")) {
		t.Error("want false for plaintext HTTP")
	}
	if LooksLikeClientHello([]byte{0x16}) {
		t.Error("want false for a too-short buffer")
	}
}

func TestExtractServerName(t *testing.T) {
	record := buildClientHello("www.example.com")
	name, err := ExtractServerName(record)
	if err != nil {
		t.Fatal(err)
	}
	if name != "www.example.com" {
		t.Errorf("got %q", name)
	}
}

func TestExtractServerNameTruncated(t *testing.T) {
	record := buildClientHello("www.example.com")
	truncated := record[:len(record)-10]
	if _, err := ExtractServerName(truncated); err != ErrNotClientHello {
		t.Fatalf("want ErrNotClientHello for truncated input, got %v", err)
	}
}

func TestExtractServerNameNotClientHello(t *testing.T) {
	if _, err := ExtractServerName([]byte("GET / HTTP/1.1\r\n")); err != ErrNotClientHello {
		t.Fatalf("want ErrNotClientHello for plaintext HTTP, got %v", err)
	}
}
