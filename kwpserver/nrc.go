package kwpserver

import "fmt"

// NRC KWP2000 负响应码 (Negative Response Code)
type NRC byte

const (
	NRCGeneralReject                      NRC = 0x10 // 一般拒绝
	NRCServiceNotSupported                NRC = 0x11 // 服务不支持
	NRCSubFunctionNotSupported            NRC = 0x12 // 子功能不支持或格式错误
	NRCBusy                               NRC = 0x21 // 忙，请重复请求
	NRCConditionsNotCorrect               NRC = 0x22 // 条件不满足
	NRCRoutineNotComplete                 NRC = 0x23 // 例程未完成
	NRCRequestOutOfRange                  NRC = 0x31 // 请求超出范围
	NRCSecurityAccessDenied               NRC = 0x33 // 安全访问被拒绝
	NRCInvalidKey                         NRC = 0x35 // 无效密钥
	NRCExceededNumberOfAttempts           NRC = 0x36 // 超过尝试次数
	NRCTimeDelayNotExpired                NRC = 0x37 // 所需时间延迟未过期
	NRCDownloadNotAccepted                NRC = 0x40 // 下载不接受
	NRCUploadNotAccepted                  NRC = 0x50 // 上传不接受
	NRCTransferSuspended                  NRC = 0x71 // 传输暂停
	NRCResponsePending                    NRC = 0x78 // 响应挂起
	NRCServiceNotSupportedInActiveSession NRC = 0x80 // 服务在当前会话不支持
	NRCDecompressionFailed                NRC = 0x9A
	NRCDecryptionFailed                   NRC = 0x9B
	NRCEcuNotResponding                   NRC = 0xA0
	NRCEcuAddressUnknown                  NRC = 0xA1
	NRCBufferOverflow                     NRC = 0xE0 // 响应超出缓冲区
)

var nrcDescriptions = map[NRC]string{
	NRCGeneralReject:                      "一般拒绝",
	NRCServiceNotSupported:                "服务不支持",
	NRCSubFunctionNotSupported:            "子功能不支持",
	NRCBusy:                               "忙，请重复请求",
	NRCConditionsNotCorrect:               "条件不满足",
	NRCRoutineNotComplete:                 "例程未完成",
	NRCRequestOutOfRange:                  "请求超出范围",
	NRCSecurityAccessDenied:               "安全访问被拒绝",
	NRCInvalidKey:                         "无效密钥",
	NRCExceededNumberOfAttempts:           "超过尝试次数",
	NRCTimeDelayNotExpired:                "所需时间延迟未过期",
	NRCDownloadNotAccepted:                "下载不接受",
	NRCUploadNotAccepted:                  "上传不接受",
	NRCTransferSuspended:                  "传输暂停",
	NRCResponsePending:                    "响应挂起",
	NRCServiceNotSupportedInActiveSession: "服务在当前会话不支持",
	NRCDecompressionFailed:                "解压失败",
	NRCDecryptionFailed:                   "解密失败",
	NRCEcuNotResponding:                   "ECU无响应",
	NRCEcuAddressUnknown:                  "ECU地址未知",
	NRCBufferOverflow:                     "缓冲区溢出",
}

func (n NRC) String() string {
	if desc, ok := nrcDescriptions[n]; ok {
		return desc
	}
	return fmt.Sprintf("未知错误(0x%02X)", byte(n))
}

// Retryable reports whether a tester should repeat the request.
func (n NRC) Retryable() bool {
	return n == NRCBusy || n == NRCResponsePending
}

// ServiceError 表示一条负响应
type ServiceError struct {
	SID byte
	NRC NRC
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("KWP 负响应: SID=0x%02X, NRC=0x%02X (%s)", e.SID, byte(e.NRC), e.NRC)
}

// Service IDs
const (
	SIDStartDiagSession           byte = 0x10
	SIDEcuReset                   byte = 0x11
	SIDClearDiagInfo              byte = 0x14
	SIDReadStatusDTC              byte = 0x17
	SIDReadEcuIdentification      byte = 0x1A
	SIDReadDataByLocalID          byte = 0x21
	SIDReadDataByID               byte = 0x22
	SIDReadMemoryByAddress        byte = 0x23
	SIDSecurityAccess             byte = 0x27
	SIDDisableNormalMsgTx         byte = 0x28
	SIDEnableNormalMsgTx          byte = 0x29
	SIDDynamicallyDefineLocalID   byte = 0x2C
	SIDWriteDataByID              byte = 0x2E
	SIDIOControlByLocalID         byte = 0x30
	SIDStartRoutineByLocalID      byte = 0x31
	SIDStopRoutineByLocalID       byte = 0x32
	SIDRequestRoutineResults      byte = 0x33
	SIDRequestDownload            byte = 0x34
	SIDRequestUpload              byte = 0x35
	SIDTransferData               byte = 0x36
	SIDTransferExit               byte = 0x37
	SIDWriteDataByLocalID         byte = 0x3B
	SIDWriteMemoryByAddress       byte = 0x3D
	SIDTesterPresent              byte = 0x3E
	SIDControlDTCSettings         byte = 0x85
	SIDResponseOnEvent            byte = 0x86
	negativeResponseSID           byte = 0x7F
	positiveResponseOffset        byte = 0x40
)
