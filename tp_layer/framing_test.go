package tp_layer

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// 单帧 (Single Frame) 测试
// ============================================================================

// TestCreateSingleFrame 测试单帧创建
func TestCreateSingleFrame(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected []byte
	}{
		{
			name:     "1字节数据 (TesterPresent)",
			data:     []byte{0x3E},
			expected: []byte{0x01, 0x3E},
		},
		{
			name:     "2字节数据 (典型KWP请求)",
			data:     []byte{0x10, 0x92},
			expected: []byte{0x02, 0x10, 0x92},
		},
		{
			name:     "7字节数据 (最大单帧)",
			data:     []byte{0x21, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05},
			expected: []byte{0x07, 0x21, 0x20, 0x01, 0x02, 0x03, 0x04, 0x05},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := createSingleFramePayload(tc.data)
			if err != nil {
				t.Fatalf("创建单帧失败: %v", err)
			}
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("单帧数据不匹配\n期望: % 02X\n实际: % 02X", tc.expected, result)
			}
		})
	}
}

// TestCreateSingleFrame_Overflow 测试单帧长度越界
func TestCreateSingleFrame_Overflow(t *testing.T) {
	if _, err := createSingleFramePayload(nil); err == nil {
		t.Error("空数据应返回错误")
	}
	if _, err := createSingleFramePayload(make([]byte, 8)); err == nil {
		t.Error("8字节数据应返回错误")
	}
}

// ============================================================================
// 首帧 (First Frame) 测试
// ============================================================================

func TestCreateFirstFrame(t *testing.T) {
	tests := []struct {
		name       string
		firstChunk []byte
		totalSize  int
		expected   []byte
	}{
		{
			name:       "8字节报文",
			firstChunk: []byte{0x5A, 0x86, 0x01, 0x02, 0x03, 0x04},
			totalSize:  8,
			expected:   []byte{0x10, 0x08, 0x5A, 0x86, 0x01, 0x02, 0x03, 0x04},
		},
		{
			name:       "18字节报文 (0x1A 0x86 响应)",
			firstChunk: []byte{0x5A, 0x86, 0x02, 0x20, 0x27, 0x12},
			totalSize:  18,
			expected:   []byte{0x10, 0x12, 0x5A, 0x86, 0x02, 0x20, 0x27, 0x12},
		},
		{
			name:       "256字节报文",
			firstChunk: []byte{0x61, 0x22, 0x00, 0x00, 0x00, 0x00},
			totalSize:  256,
			expected:   []byte{0x11, 0x00, 0x61, 0x22, 0x00, 0x00, 0x00, 0x00},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := createFirstFramePayload(tc.firstChunk, tc.totalSize)
			if err != nil {
				t.Fatalf("创建首帧失败: %v", err)
			}
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("首帧数据不匹配\n期望: % 02X\n实际: % 02X", tc.expected, result)
			}
		})
	}
}

func TestCreateFirstFrame_InvalidSize(t *testing.T) {
	chunk := make([]byte, firstFrameData)
	if _, err := createFirstFramePayload(chunk, 7); err == nil {
		t.Error("7字节应使用单帧")
	}
	if _, err := createFirstFramePayload(chunk, 0x1000); err == nil {
		t.Error("超过4095字节应返回错误")
	}
	if _, err := createFirstFramePayload(chunk[:5], 20); err == nil {
		t.Error("首帧数据不足6字节应返回错误")
	}
}

// ============================================================================
// 连续帧 (Consecutive Frame) 测试
// ============================================================================

func TestCreateConsecutiveFrame(t *testing.T) {
	tests := []struct {
		seqNum   int
		data     []byte
		expected []byte
	}{
		{1, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, []byte{0x21, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}},
		{0, []byte{0xAA}, []byte{0x20, 0xAA}},
		{15, []byte{0xBB, 0xCC}, []byte{0x2F, 0xBB, 0xCC}},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("SeqNum_%d", tc.seqNum), func(t *testing.T) {
			result, err := createConsecutiveFramePayload(tc.data, tc.seqNum)
			if err != nil {
				t.Fatalf("创建连续帧失败: %v", err)
			}
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("连续帧数据不匹配\n期望: % 02X\n实际: % 02X", tc.expected, result)
			}
		})
	}
}

func TestCreateConsecutiveFrame_InvalidSeqNum(t *testing.T) {
	if _, err := createConsecutiveFramePayload([]byte{0x01}, 16); err == nil {
		t.Error("序列号16应返回错误")
	}
	if _, err := createConsecutiveFramePayload([]byte{0x01}, -1); err == nil {
		t.Error("序列号-1应返回错误")
	}
}

// ============================================================================
// 流控帧 (Flow Control) 测试
// ============================================================================

func TestCreateFlowControlFrame(t *testing.T) {
	tests := []struct {
		name      string
		status    FlowStatus
		blockSize int
		stMinMs   int
		expected  []byte
	}{
		{"CTS 默认参数", FlowStatusContinueToSend, 8, 20, []byte{0x30, 0x08, 0x14}},
		{"CTS 无限块", FlowStatusContinueToSend, 0, 0, []byte{0x30, 0x00, 0x00}},
		{"Wait", FlowStatusWait, 0, 0, []byte{0x31, 0x00, 0x00}},
		{"Overflow", FlowStatusOverflow, 0, 0, []byte{0x32, 0x00, 0x00}},
		{"STmin 超过127ms截断", FlowStatusContinueToSend, 1, 200, []byte{0x30, 0x01, 0x7F}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := createFlowControlPayload(tc.status, tc.blockSize, tc.stMinMs)
			if !bytes.Equal(result, tc.expected) {
				t.Errorf("流控帧数据不匹配\n期望: % 02X\n实际: % 02X", tc.expected, result)
			}
		})
	}
}

// ============================================================================
// 帧解析 (ParseFrame) 测试
// ============================================================================

func padded(b ...byte) *CanMessage {
	data := bytes.Repeat([]byte{0xCC}, FrameLength)
	copy(data, b)
	return &CanMessage{ArbitrationID: 0x7E1, Data: data}
}

func TestParseFrame_SingleFrame(t *testing.T) {
	frame, err := ParseFrame(padded(0x02, 0x10, 0x92))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	sf, ok := frame.(*SingleFrame)
	if !ok {
		t.Fatalf("期望 SingleFrame, 实际 %T", frame)
	}
	if !bytes.Equal(sf.Data, []byte{0x10, 0x92}) {
		t.Errorf("单帧数据不匹配: % 02X", sf.Data)
	}
}

func TestParseFrame_FirstFrame(t *testing.T) {
	frame, err := ParseFrame(padded(0x10, 0x12, 0x5A, 0x86, 0x01, 0x02, 0x03, 0x04))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	ff, ok := frame.(*FirstFrame)
	if !ok {
		t.Fatalf("期望 FirstFrame, 实际 %T", frame)
	}
	if ff.TotalSize != 18 {
		t.Errorf("总长度期望 18, 实际 %d", ff.TotalSize)
	}
	if !bytes.Equal(ff.Data, []byte{0x5A, 0x86, 0x01, 0x02, 0x03, 0x04}) {
		t.Errorf("首帧数据不匹配: % 02X", ff.Data)
	}
}

func TestParseFrame_ConsecutiveFrame(t *testing.T) {
	frame, err := ParseFrame(padded(0x2A, 0x01, 0x02))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	cf, ok := frame.(*ConsecutiveFrame)
	if !ok {
		t.Fatalf("期望 ConsecutiveFrame, 实际 %T", frame)
	}
	if cf.SequenceNumber != 0x0A {
		t.Errorf("序列号期望 10, 实际 %d", cf.SequenceNumber)
	}
	if len(cf.Data) != consecutiveData {
		t.Errorf("连续帧数据应包含填充, 长度 %d", len(cf.Data))
	}
}

func TestParseFrame_FlowControl(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		status FlowStatus
		bs     int
		stmin  time.Duration
	}{
		{"CTS", []byte{0x30, 0x08, 0x14}, FlowStatusContinueToSend, 8, 20 * time.Millisecond},
		{"Wait", []byte{0x31, 0x00, 0x00}, FlowStatusWait, 0, 0},
		{"Overflow", []byte{0x32, 0x00, 0x00}, FlowStatusOverflow, 0, 0},
		{"微秒STmin", []byte{0x30, 0x00, 0xF5}, FlowStatusContinueToSend, 0, 500 * time.Microsecond},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := ParseFrame(padded(tc.data...))
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}
			fc, ok := frame.(*FlowControlFrame)
			if !ok {
				t.Fatalf("期望 FlowControlFrame, 实际 %T", frame)
			}
			if fc.FlowStatus != tc.status || fc.BlockSize != tc.bs || fc.STmin != tc.stmin {
				t.Errorf("流控帧不匹配: %+v", fc)
			}
		})
	}
}

func TestParseFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		msg  *CanMessage
	}{
		{"SF长度为0", padded(0x00)},
		{"SF长度超出帧", padded(0x08)},
		{"FF声明长度过短", padded(0x10, 0x07)},
		{"未知流控状态", padded(0x33, 0x00, 0x00)},
		{"未知PCI", padded(0x40)},
		{"空帧", &CanMessage{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFrame(tc.msg)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("期望 ErrMalformed, 实际 %v", err)
			}
		})
	}
}

// ============================================================================
// 完整分段测试
// ============================================================================

// TestSegment_MultiFrame 100字节报文分段后序列号从1开始循环
func TestSegment_MultiFrame(t *testing.T) {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	frames, err := Segment(data)
	if err != nil {
		t.Fatalf("分段失败: %v", err)
	}
	// 6 + 13*7 = 97, 剩余3字节 -> 1 FF + 14 CF
	if len(frames) != 15 {
		t.Fatalf("帧数期望 15, 实际 %d", len(frames))
	}
	if !bytes.Equal(frames[0][:2], []byte{0x10, 0x64}) {
		t.Errorf("首帧PCI错误: % 02X", frames[0][:2])
	}

	var rebuilt []byte
	rebuilt = append(rebuilt, frames[0][2:]...)
	for i, f := range frames[1:] {
		expectedSeq := byte((i + 1) % 16)
		if f[0] != pciTypeConsecutiveFrame|expectedSeq {
			t.Errorf("第%d个连续帧PCI期望 0x%02X, 实际 0x%02X", i+1, pciTypeConsecutiveFrame|expectedSeq, f[0])
		}
		rebuilt = append(rebuilt, f[1:]...)
	}
	if !bytes.Equal(rebuilt, data) {
		t.Errorf("重组数据不匹配\n期望: % 02X\n实际: % 02X", data, rebuilt)
	}
}

func TestSegment_SequenceWraps(t *testing.T) {
	frames, err := Segment(make([]byte, 256))
	if err != nil {
		t.Fatalf("分段失败: %v", err)
	}
	// 第16个连续帧序列号回绕为0
	if frames[16][0] != 0x20 {
		t.Errorf("期望序列号回绕到0, 实际 0x%02X", frames[16][0])
	}
	if frames[17][0] != 0x21 {
		t.Errorf("回绕后序列号应为1, 实际 0x%02X", frames[17][0])
	}
}

func TestDecodeSTmin(t *testing.T) {
	tests := []struct {
		in       byte
		expected time.Duration
	}{
		{0x00, 0},
		{0x14, 20 * time.Millisecond},
		{0x7F, 127 * time.Millisecond},
		{0xF1, 100 * time.Microsecond},
		{0xF9, 900 * time.Microsecond},
		{0x80, 127 * time.Millisecond},
		{0xFA, 127 * time.Millisecond},
	}
	for _, tc := range tests {
		if got := decodeSTmin(tc.in); got != tc.expected {
			t.Errorf("decodeSTmin(0x%02X) 期望 %v, 实际 %v", tc.in, tc.expected, got)
		}
	}
}

func TestEncodeSTmin(t *testing.T) {
	tests := []struct {
		in       time.Duration
		expected byte
	}{
		{0, 0x00},
		{20 * time.Millisecond, 0x14},
		{300 * time.Microsecond, 0xF3},
		{time.Second, 0x7F},
	}
	for _, tc := range tests {
		if got := encodeSTmin(tc.in); got != tc.expected {
			t.Errorf("encodeSTmin(%v) 期望 0x%02X, 实际 0x%02X", tc.in, tc.expected, got)
		}
	}
}

// ============================================================================
// 性能测试
// ============================================================================

func BenchmarkCreateSingleFrame(b *testing.B) {
	data := []byte{0x21, 0x20}
	for i := 0; i < b.N; i++ {
		_, _ = createSingleFramePayload(data)
	}
}

func BenchmarkParseFrame_SingleFrame(b *testing.B) {
	msg := padded(0x02, 0x21, 0x20)
	for i := 0; i < b.N; i++ {
		_, _ = ParseFrame(msg)
	}
}

func BenchmarkCreateConsecutiveFrame(b *testing.B) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	for i := 0; i < b.N; i++ {
		_, _ = createConsecutiveFramePayload(data, i%16)
	}
}
