package tp_layer

import (
	"errors"
	"fmt"
	"time"
)

const (
	// pciTypeSingleFrame (SF) 是 0
	pciTypeSingleFrame = 0x00
	// pciTypeFirstFrame (FF) 是 1
	pciTypeFirstFrame = 0x10
	// pciTypeConsecutiveFrame (CF) 是 2
	pciTypeConsecutiveFrame = 0x20
	// pciTypeFlowControl (FC) 是 3
	pciTypeFlowControl = 0x30

	singleFrameMaxData = FrameLength - 1
	firstFrameData     = FrameLength - 2
	consecutiveData    = FrameLength - 1
	maxFirstFrameSize  = 0xFFF
)

// encodeSTmin 将毫秒/微秒间隔编码为STmin字节
func encodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0x00
	}
	if d < time.Millisecond {
		steps := d / (100 * time.Microsecond)
		if steps < 1 {
			steps = 1
		}
		return 0xF0 + byte(steps)
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		return 0x7F
	}
	return byte(ms)
}

// createFlowControlPayload 创建流控帧的数据负载
func createFlowControlPayload(status FlowStatus, blockSize int, stMinMs int) []byte {
	return []byte{
		pciTypeFlowControl | byte(status),
		byte(blockSize),
		encodeSTmin(time.Duration(stMinMs) * time.Millisecond),
	}
}

// createSingleFramePayload 创建单帧的数据负载
func createSingleFramePayload(data []byte) ([]byte, error) {
	dataLen := len(data)
	if dataLen == 0 || dataLen > singleFrameMaxData {
		return nil, fmt.Errorf("单帧数据长度 (%d) 超出范围 1..%d", dataLen, singleFrameMaxData)
	}
	payload := make([]byte, 0, 1+dataLen)
	payload = append(payload, pciTypeSingleFrame|byte(dataLen))
	payload = append(payload, data...)
	return payload, nil
}

// createFirstFramePayload 创建首帧的数据负载
func createFirstFramePayload(firstChunk []byte, totalMessageSize int) ([]byte, error) {
	if totalMessageSize <= singleFrameMaxData || totalMessageSize > maxFirstFrameSize {
		return nil, fmt.Errorf("首帧总长度 (%d) 超出范围 %d..%d", totalMessageSize, singleFrameMaxData+1, maxFirstFrameSize)
	}
	if len(firstChunk) != firstFrameData {
		return nil, fmt.Errorf("首帧数据必须为 %d 字节, 实际 %d", firstFrameData, len(firstChunk))
	}
	payload := make([]byte, 0, FrameLength)
	payload = append(payload,
		pciTypeFirstFrame|byte(totalMessageSize>>8&0x0F),
		byte(totalMessageSize&0xFF),
	)
	payload = append(payload, firstChunk...)
	return payload, nil
}

// createConsecutiveFramePayload 创建连续帧的数据负载
func createConsecutiveFramePayload(dataChunk []byte, sequenceNumber int) ([]byte, error) {
	if sequenceNumber < 0 || sequenceNumber > 15 {
		return nil, errors.New("序列号必须在0到15之间")
	}
	if len(dataChunk) == 0 || len(dataChunk) > consecutiveData {
		return nil, fmt.Errorf("连续帧数据长度 (%d) 超出范围 1..%d", len(dataChunk), consecutiveData)
	}
	payload := make([]byte, 0, 1+len(dataChunk))
	payload = append(payload, pciTypeConsecutiveFrame|byte(sequenceNumber))
	payload = append(payload, dataChunk...)
	return payload, nil
}

// Segment splits data into the frame payloads of one transfer: a single frame,
// or a first frame followed by consecutive frames. Send paces them under the
// peer's flow control.
func Segment(data []byte) ([][]byte, error) {
	if len(data) <= singleFrameMaxData {
		sf, err := createSingleFramePayload(data)
		if err != nil {
			return nil, err
		}
		return [][]byte{sf}, nil
	}
	ff, err := createFirstFramePayload(data[:firstFrameData], len(data))
	if err != nil {
		return nil, err
	}
	frames := [][]byte{ff}
	seq := 1
	for rest := data[firstFrameData:]; len(rest) > 0; {
		n := min(consecutiveData, len(rest))
		cf, err := createConsecutiveFramePayload(rest[:n], seq)
		if err != nil {
			return nil, err
		}
		frames = append(frames, cf)
		rest = rest[n:]
		seq = (seq + 1) % 16
	}
	return frames, nil
}
