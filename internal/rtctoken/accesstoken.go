// Package rtctoken issues realtime channel and signaling tokens.
//
// Tokens use the AccessToken2 layout ("007" version prefix): a signature and
// a little-endian packed body holding the app id, issue time, validity, salt
// and one privilege block per service, zlib-compressed and base64 encoded.
package rtctoken

import (
	"bytes"
	"compress/zlib"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"
)

const tokenVersion = "007"

const (
	serviceRTC uint16 = 1
	serviceRTM uint16 = 2
)

// RTC privileges.
const (
	privJoinChannel        uint16 = 1
	privPublishAudioStream uint16 = 2
	privPublishVideoStream uint16 = 3
	privPublishDataStream  uint16 = 4
)

// RTM privileges.
const privLogin uint16 = 1

type service interface {
	serviceType() uint16
	pack(buf *bytes.Buffer)
}

type privileges map[uint16]uint32

func (p privileges) pack(buf *bytes.Buffer) {
	keys := make([]int, 0, len(p))
	for k := range p {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	packUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		packUint16(buf, uint16(k))
		packUint32(buf, p[uint16(k)])
	}
}

type rtcService struct {
	privileges privileges
	channel    string
	uid        string
}

func (s *rtcService) serviceType() uint16 { return serviceRTC }

func (s *rtcService) pack(buf *bytes.Buffer) {
	packUint16(buf, serviceRTC)
	s.privileges.pack(buf)
	packString(buf, []byte(s.channel))
	packString(buf, []byte(s.uid))
}

type rtmService struct {
	privileges privileges
	userID     string
}

func (s *rtmService) serviceType() uint16 { return serviceRTM }

func (s *rtmService) pack(buf *bytes.Buffer) {
	packUint16(buf, serviceRTM)
	s.privileges.pack(buf)
	packString(buf, []byte(s.userID))
}

type accessToken struct {
	appID    string
	appCert  string
	issueTs  uint32
	expire   uint32
	salt     uint32
	services []service
}

func (t *accessToken) signingKey() []byte {
	var ts, salt bytes.Buffer
	packUint32(&ts, t.issueTs)
	packUint32(&salt, t.salt)

	key := hmacSHA256(ts.Bytes(), []byte(t.appCert))
	return hmacSHA256(salt.Bytes(), key)
}

func (t *accessToken) signingInfo() []byte {
	var buf bytes.Buffer
	packString(&buf, []byte(t.appID))
	packUint32(&buf, t.issueTs)
	packUint32(&buf, t.expire)
	packUint32(&buf, t.salt)

	sorted := make([]service, len(t.services))
	copy(sorted, t.services)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].serviceType() < sorted[j].serviceType() })

	packUint16(&buf, uint16(len(sorted)))
	for _, s := range sorted {
		s.pack(&buf)
	}
	return buf.Bytes()
}

func (t *accessToken) build() (string, error) {
	info := t.signingInfo()
	signature := hmacSHA256(t.signingKey(), info)

	var content bytes.Buffer
	packString(&content, signature)
	content.Write(info)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(content.Bytes()); err != nil {
		return "", fmt.Errorf("compress token: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress token: %w", err)
	}
	return tokenVersion + base64.StdEncoding.EncodeToString(compressed.Bytes()), nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func packUint16(buf *bytes.Buffer, v uint16) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func packUint32(buf *bytes.Buffer, v uint32) {
	_ = binary.Write(buf, binary.LittleEndian, v)
}

func packString(buf *bytes.Buffer, b []byte) {
	packUint16(buf, uint16(len(b)))
	buf.Write(b)
}
