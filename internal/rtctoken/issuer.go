package rtctoken

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DefaultValidity is how long issued tokens stay valid.
const DefaultValidity = 24 * time.Hour

var ErrNotConfigured = errors.New("token issuer requires app id and certificate")

// Issuer mints tokens for one realtime project.
type Issuer struct {
	appID    string
	appCert  string
	validity time.Duration
	now      func() time.Time
	salt     func() uint32
}

// NewIssuer creates an issuer. A zero validity uses DefaultValidity.
func NewIssuer(appID, appCert string, validity time.Duration) (*Issuer, error) {
	if appID == "" || appCert == "" {
		return nil, ErrNotConfigured
	}
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Issuer{
		appID:    appID,
		appCert:  appCert,
		validity: validity,
		now:      time.Now,
		salt:     randomSalt,
	}, nil
}

// AppID returns the project app id.
func (i *Issuer) AppID() string {
	return i.appID
}

// ChannelName builds a unique channel name for an agent serving uid.
func (i *Issuer) ChannelName(agentUID string, uid int64) string {
	return fmt.Sprintf("agent_%s_%d_%s", agentUID, uid, strconv.FormatInt(i.now().UnixMilli(), 36))
}

// RTC returns a publisher token for uid in channel. A zero uid produces a
// token valid for any uid.
func (i *Issuer) RTC(channel string, uid int64) (string, error) {
	return i.RTCAccount(channel, uidString(uid))
}

// RTCAccount returns a publisher token for a string account in channel.
func (i *Issuer) RTCAccount(channel, account string) (string, error) {
	expire := i.expireSeconds()
	tok := i.newToken(&rtcService{
		privileges: privileges{
			privJoinChannel:        expire,
			privPublishAudioStream: expire,
			privPublishVideoStream: expire,
			privPublishDataStream:  expire,
		},
		channel: channel,
		uid:     account,
	})
	s, err := tok.build()
	if err != nil {
		return "", fmt.Errorf("build rtc token: %w", err)
	}
	return s, nil
}

// RTM returns a signaling login token for userID.
func (i *Issuer) RTM(userID string) (string, error) {
	tok := i.newToken(&rtmService{
		privileges: privileges{privLogin: i.expireSeconds()},
		userID:     userID,
	})
	s, err := tok.build()
	if err != nil {
		return "", fmt.Errorf("build rtm token: %w", err)
	}
	return s, nil
}

// ExpiresAt returns when tokens issued now stop being valid.
func (i *Issuer) ExpiresAt() time.Time {
	return i.now().Add(i.validity)
}

func (i *Issuer) newToken(svc service) *accessToken {
	return &accessToken{
		appID:    i.appID,
		appCert:  i.appCert,
		issueTs:  uint32(i.now().Unix()),
		expire:   i.expireSeconds(),
		salt:     i.salt(),
		services: []service{svc},
	}
}

func (i *Issuer) expireSeconds() uint32 {
	return uint32(i.validity / time.Second)
}

func uidString(uid int64) string {
	if uid == 0 {
		return ""
	}
	return strconv.FormatInt(uid, 10)
}

func randomSalt() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano()%99999999) + 1
	}
	return binary.LittleEndian.Uint32(b[:])%99999999 + 1
}
