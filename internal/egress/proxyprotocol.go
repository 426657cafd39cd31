package egress

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// WriteProxyProtocolV2 writes a PROXY protocol v2 header (HAProxy spec
// §2.2) to conn describing a connection from localAddr to destHost:destPort.
// c0va23/go-proxyprotocol (the teacher's dependency, used for ingress-side
// trust parsing in internal/ingress) exposes no client/writer API, so the
// egress-direction header bytes are assembled directly per the binary
// layout the spec defines.
func WriteProxyProtocolV2(conn net.Conn, localAddr net.Addr, destHost, destPortStr string) error {
	destPort, err := strconv.Atoi(destPortStr)
	if err != nil {
		return fmt.Errorf("proxyprotocol: invalid destination port %q: %w", destPortStr, err)
	}

	localTCP, ok := localAddr.(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("proxyprotocol: local address is not TCP: %v", localAddr)
	}
	destIP := net.ParseIP(destHost)
	if destIP == nil {
		return fmt.Errorf("proxyprotocol: invalid destination address %q", destHost)
	}

	var buf []byte
	buf = append(buf, ppv2Signature...)
	buf = append(buf, 0x21) // version 2, PROXY command

	srcIP4 := localTCP.IP.To4()
	dstIP4 := destIP.To4()

	var addrFamily byte
	var addrBytes []byte
	if srcIP4 != nil && dstIP4 != nil {
		addrFamily = 0x11 // AF_INET, STREAM
		addrBytes = make([]byte, 12)
		copy(addrBytes[0:4], srcIP4)
		copy(addrBytes[4:8], dstIP4)
		binary.BigEndian.PutUint16(addrBytes[8:10], uint16(localTCP.Port))
		binary.BigEndian.PutUint16(addrBytes[10:12], uint16(destPort))
	} else {
		addrFamily = 0x21 // AF_INET6, STREAM
		addrBytes = make([]byte, 36)
		copy(addrBytes[0:16], localTCP.IP.To16())
		copy(addrBytes[16:32], destIP.To16())
		binary.BigEndian.PutUint16(addrBytes[32:34], uint16(localTCP.Port))
		binary.BigEndian.PutUint16(addrBytes[34:36], uint16(destPort))
	}

	buf = append(buf, addrFamily)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(addrBytes)))
	buf = append(buf, lenBuf...)
	buf = append(buf, addrBytes...)

	_, err = conn.Write(buf)
	return err
}

var ppv2Signature = []byte{
	0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A,
}
