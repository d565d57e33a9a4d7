// Package shadow implements the "ss" upstream scheme: an AEAD-encrypted
// shadow transport built directly on stdlib crypto/aes + crypto/cipher,
// following the shadowsocks AEAD wire format: each connection starts with a
// random salt, followed by length-prefixed, individually-sealed chunks.
package shadow

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	saltSize    = 32
	maxChunk    = 0x3FFF
	tagOverhead = 16
)

// Dial connects to a shadow upstream at proxyAddr and negotiates an AEAD
// session keyed by psk, then returns a net.Conn that transparently seals
// and opens chunks framed per the shadowsocks AEAD wire format. destHostport
// is written as the first protected chunk (a minimal SOCKS5-style address
// header), matching how shadowsocks servers learn the real destination.
func Dial(ctx context.Context, proxyAddr, destHostport string, psk []byte, timeout time.Duration) (net.Conn, error) {
	if len(psk) == 0 {
		return nil, fmt.Errorf("shadow: missing pre-shared key for %s", proxyAddr)
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("shadow: connect to %s: %w", proxyAddr, err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shadow: generate salt: %w", err)
	}
	if _, err := conn.Write(salt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shadow: write salt: %w", err)
	}

	aead, err := deriveAEAD(psk, salt)
	if err != nil {
		conn.Close()
		return nil, err
	}

	sc := &streamConn{Conn: conn, aead: aead, sendNonce: make([]byte, aead.NonceSize()), recvNonce: make([]byte, aead.NonceSize())}

	header, err := addressHeader(destHostport)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := sc.Write(header); err != nil {
		conn.Close()
		return nil, fmt.Errorf("shadow: write address header: %w", err)
	}
	return sc, nil
}

// deriveAEAD derives a per-session AES-256-GCM key from the pre-shared key
// and the connection's random salt, using HKDF-SHA256 (RFC 5869) built
// directly on stdlib crypto/hmac.
func deriveAEAD(psk, salt []byte) (cipher.AEAD, error) {
	prk := hkdfExtract(salt, sha256.Sum256(psk))
	subkey := hkdfExpand(prk, []byte("ss-subkey"), 32)
	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("shadow: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func hkdfExtract(salt []byte, ikm [sha256.Size]byte) []byte {
	mac := hmac.New(sha256.New, salt)
	mac.Write(ikm[:])
	return mac.Sum(nil)
}

func hkdfExpand(prk, info []byte, length int) []byte {
	var (
		out  []byte
		prev []byte
		i    byte = 1
	)
	for len(out) < length {
		mac := hmac.New(sha256.New, prk)
		mac.Write(prev)
		mac.Write(info)
		mac.Write([]byte{i})
		prev = mac.Sum(nil)
		out = append(out, prev...)
		i++
	}
	return out[:length]
}

// addressHeader builds a minimal SOCKS5-style address header: 1 type byte
// (0x03 domain), 1 length byte, domain bytes, 2 port bytes big-endian.
func addressHeader(hostport string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("shadow: invalid destination %q: %w", hostport, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("shadow: invalid port %q: %w", portStr, err)
	}
	if len(host) > 255 {
		return nil, fmt.Errorf("shadow: hostname too long: %s", host)
	}
	buf := make([]byte, 0, 4+len(host))
	buf = append(buf, 0x03, byte(len(host)))
	buf = append(buf, host...)
	buf = binary.BigEndian.AppendUint16(buf, port)
	return buf, nil
}

// streamConn wraps a net.Conn, sealing writes and opening reads as
// length-prefixed AEAD chunks, each chunk capped at maxChunk plaintext
// bytes per the shadowsocks AEAD framing.
type streamConn struct {
	net.Conn
	aead      cipher.AEAD
	sendNonce []byte
	recvNonce []byte

	recvBuf []byte // decrypted bytes not yet consumed by Read
}

func (c *streamConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := p[:n]
		if err := c.writeChunk(chunk); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (c *streamConn) writeChunk(chunk []byte) error {
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(chunk)))
	sealedLen := c.aead.Seal(nil, c.nextSendNonce(), lenBuf, nil)
	if _, err := c.Conn.Write(sealedLen); err != nil {
		return fmt.Errorf("shadow: write length chunk: %w", err)
	}
	sealedPayload := c.aead.Seal(nil, c.nextSendNonce(), chunk, nil)
	if _, err := c.Conn.Write(sealedPayload); err != nil {
		return fmt.Errorf("shadow: write payload chunk: %w", err)
	}
	return nil
}

func (c *streamConn) Read(p []byte) (int, error) {
	if len(c.recvBuf) == 0 {
		chunk, err := c.readChunk()
		if err != nil {
			return 0, err
		}
		c.recvBuf = chunk
	}
	n := copy(p, c.recvBuf)
	c.recvBuf = c.recvBuf[n:]
	return n, nil
}

func (c *streamConn) readChunk() ([]byte, error) {
	sealedLen := make([]byte, 2+c.aead.Overhead())
	if _, err := io.ReadFull(c.Conn, sealedLen); err != nil {
		return nil, fmt.Errorf("shadow: read length chunk: %w", err)
	}
	lenBuf, err := c.aead.Open(nil, c.nextRecvNonce(), sealedLen, nil)
	if err != nil {
		return nil, fmt.Errorf("shadow: decrypt length chunk: %w", err)
	}
	size := binary.BigEndian.Uint16(lenBuf)

	sealedPayload := make([]byte, int(size)+c.aead.Overhead())
	if _, err := io.ReadFull(c.Conn, sealedPayload); err != nil {
		return nil, fmt.Errorf("shadow: read payload chunk: %w", err)
	}
	payload, err := c.aead.Open(nil, c.nextRecvNonce(), sealedPayload, nil)
	if err != nil {
		return nil, fmt.Errorf("shadow: decrypt payload chunk: %w", err)
	}
	return payload, nil
}

func (c *streamConn) nextSendNonce() []byte { return incrementNonce(c.sendNonce) }
func (c *streamConn) nextRecvNonce() []byte { return incrementNonce(c.recvNonce) }

// incrementNonce returns the current nonce value and increments it in
// place, little-endian, matching the shadowsocks AEAD nonce convention.
func incrementNonce(nonce []byte) []byte {
	cur := make([]byte, len(nonce))
	copy(cur, nonce)
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
	return cur
}
