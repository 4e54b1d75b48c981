package kwpserver

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/chmike/cmac-go"
)

const (
	securityRequestSeed byte = 0x01
	securitySendKey     byte = 0x02
	securityGranted     byte = 0x34 // access granted status byte

	seedLen = 4
	keyLen  = 4

	// DefaultLockout 连续错误密钥后拒绝请求种子的时间
	DefaultLockout = 10 * time.Second
)

// SecurityAccess implements seed/key unlocking with a truncated AES-CMAC.
// It is only reachable in the Extended session.
type SecurityAccess struct {
	mac         hash.Hash
	rand        io.Reader
	maxAttempts int
	lockout     time.Duration

	seed        []byte
	failures    int
	lockedUntil time.Time
}

// NewSecurityAccess creates the handler for a 16-byte AES key.
func NewSecurityAccess(key []byte, maxAttempts int) (*SecurityAccess, error) {
	mac, err := cmac.New(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("security access key: %w", err)
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	return &SecurityAccess{
		mac:         mac,
		rand:        rand.Reader,
		maxAttempts: maxAttempts,
		lockout:     DefaultLockout,
	}, nil
}

// SetRandom replaces the seed source, for tests.
func (s *SecurityAccess) SetRandom(r io.Reader) { s.rand = r }

// ComputeKey returns the key a tester must send for seed.
func (s *SecurityAccess) ComputeKey(seed []byte) []byte {
	s.mac.Reset()
	s.mac.Write(seed)
	return s.mac.Sum(nil)[:keyLen]
}

// Handle is the 0x27 service handler.
func (s *SecurityAccess) Handle(c Call) (Response, []Event) {
	if c.State.Mode != SessionExtended {
		return Negative(NRCServiceNotSupportedInActiveSession), nil
	}
	switch c.Args[0] {
	case securityRequestSeed:
		if len(c.Args) != 1 {
			return Negative(NRCSubFunctionNotSupported), nil
		}
		return s.requestSeed(c)
	case securitySendKey:
		if len(c.Args) != 1+keyLen {
			return Negative(NRCSubFunctionNotSupported), nil
		}
		return s.sendKey(c)
	}
	return Negative(NRCSubFunctionNotSupported), nil
}

func (s *SecurityAccess) requestSeed(c Call) (Response, []Event) {
	if c.State.Unlocked {
		// 已解锁时返回全零种子
		return PositiveLID(securityRequestSeed, make([]byte, seedLen)...), nil
	}
	if c.Now.Before(s.lockedUntil) {
		return Negative(NRCTimeDelayNotExpired), nil
	}
	seed := make([]byte, seedLen)
	if _, err := io.ReadFull(s.rand, seed); err != nil {
		return Negative(NRCGeneralReject), nil
	}
	s.seed = seed
	return PositiveLID(securityRequestSeed, seed...), nil
}

func (s *SecurityAccess) sendKey(c Call) (Response, []Event) {
	if s.seed == nil {
		return Negative(NRCConditionsNotCorrect), nil
	}
	expected := s.ComputeKey(s.seed)
	s.seed = nil

	if subtle.ConstantTimeCompare(expected, c.Args[1:]) == 1 {
		s.failures = 0
		return PositiveLID(securitySendKey, securityGranted), []Event{SecurityUnlocked}
	}

	s.failures++
	if s.failures >= s.maxAttempts {
		s.failures = 0
		s.lockedUntil = c.Now.Add(s.lockout)
		return Negative(NRCExceededNumberOfAttempts), nil
	}
	return Negative(NRCInvalidKey), nil
}
