package tp_layer

import "fmt"

// Payload 是有界的字节缓冲区，写入超过上限时返回错误而不是越界
type Payload struct {
	buf   []byte
	limit int
}

// NewPayload allocates an empty payload that can hold at most limit bytes.
func NewPayload(limit int) *Payload {
	if limit < 0 {
		limit = 0
	}
	return &Payload{buf: make([]byte, 0, limit), limit: limit}
}

// PayloadFrom copies data into a new payload bounded by limit.
func PayloadFrom(data []byte, limit int) (*Payload, error) {
	p := NewPayload(limit)
	if err := p.Append(data...); err != nil {
		return nil, err
	}
	return p, nil
}

// Append adds b to the payload. Nothing is written if b does not fit.
func (p *Payload) Append(b ...byte) error {
	if len(p.buf)+len(b) > p.limit {
		return fmt.Errorf("%w: %d+%d > %d", ErrPayloadOverflow, len(p.buf), len(b), p.limit)
	}
	p.buf = append(p.buf, b...)
	return nil
}

func (p *Payload) Len() int { return len(p.buf) }

// Remaining 还能写入的字节数
func (p *Payload) Remaining() int { return p.limit - len(p.buf) }

// Full reports whether the declared length has been reached.
func (p *Payload) Full() bool { return len(p.buf) == p.limit }

// Bytes returns the payload contents. The slice aliases the payload.
func (p *Payload) Bytes() []byte { return p.buf }
