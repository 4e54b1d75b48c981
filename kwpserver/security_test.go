package kwpserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityAccess_Unlock(t *testing.T) {
	f := newFixture(t)
	f.send(t, 0x10, 0x92)

	out := f.send(t, 0x27, 0x01)
	require.Equal(t, []byte{0x67, 0x01, 0x11, 0x22, 0x33, 0x44}, out)

	key := f.sec.ComputeKey(out[2:])
	require.Len(t, key, 4)
	assert.Equal(t, []byte{0x67, 0x02, 0x34}, f.send(t, append([]byte{0x27, 0x02}, key...)...))
	assert.True(t, f.d.State().Unlocked)

	// 已解锁时种子为零
	assert.Equal(t, []byte{0x67, 0x01, 0, 0, 0, 0}, f.send(t, 0x27, 0x01))

	// 切换会话后重新上锁
	f.send(t, 0x10, 0x81)
	f.send(t, 0x10, 0x92)
	assert.False(t, f.d.State().Unlocked)
}

func TestSecurityAccess_WrongKey(t *testing.T) {
	f := newFixture(t)
	f.send(t, 0x10, 0x92)

	for i := 0; i < 2; i++ {
		f.send(t, 0x27, 0x01)
		assert.Equal(t, []byte{0x7F, 0x27, 0x35}, f.send(t, 0x27, 0x02, 0xDE, 0xAD, 0xBE, 0xEF))
	}
	f.send(t, 0x27, 0x01)
	assert.Equal(t, []byte{0x7F, 0x27, 0x36}, f.send(t, 0x27, 0x02, 0xDE, 0xAD, 0xBE, 0xEF))
	assert.False(t, f.d.State().Unlocked)

	// 锁定期间拒绝请求种子
	f.clock.Advance(time.Second)
	f.send(t, 0x3E, 0x01)
	assert.Equal(t, []byte{0x7F, 0x27, 0x37}, f.send(t, 0x27, 0x01))
}

func TestSecurityAccess_Conditions(t *testing.T) {
	f := newFixture(t)

	// 默认会话不支持
	assert.Equal(t, []byte{0x7F, 0x27, 0x80}, f.send(t, 0x27, 0x01))

	f.send(t, 0x10, 0x92)
	// 未请求种子直接发送密钥
	assert.Equal(t, []byte{0x7F, 0x27, 0x22}, f.send(t, 0x27, 0x02, 1, 2, 3, 4))
	// 密钥长度错误
	assert.Equal(t, []byte{0x7F, 0x27, 0x12}, f.send(t, 0x27, 0x02, 1, 2))
	// 未知子功能
	assert.Equal(t, []byte{0x7F, 0x27, 0x12}, f.send(t, 0x27, 0x05))
}

func TestNewSecurityAccess_Validation(t *testing.T) {
	_, err := NewSecurityAccess([]byte{1, 2, 3}, 3)
	assert.Error(t, err)
	_, err = NewSecurityAccess(testKey, 0)
	assert.Error(t, err)
}

func TestSecurityAccess_ComputeKeyDeterministic(t *testing.T) {
	a, err := NewSecurityAccess(testKey, 3)
	require.NoError(t, err)
	b, err := NewSecurityAccess(testKey, 3)
	require.NoError(t, err)

	seed := []byte{0x01, 0x02, 0x03, 0x04}
	assert.Equal(t, a.ComputeKey(seed), b.ComputeKey(seed))
	assert.NotEqual(t, a.ComputeKey(seed), a.ComputeKey([]byte{0x01, 0x02, 0x03, 0x05}))
}
