package kwpserver

import (
	"encoding/binary"

	"github.com/LoveWonYoung/tcudiag/ident"
	"github.com/LoveWonYoung/tcudiag/signals"
	"github.com/LoveWonYoung/tcudiag/sysmon"
)

// Local identifiers
const (
	LIDDCSIdentification byte = 0x86

	lidGroupFirst     byte = 0x9A // 35 byte group records
	lidGroupLast      byte = 0x9F
	lidShortRecFirst  byte = 0xE0 // 6 byte records
	lidShortRecLast   byte = 0xE1
	groupRecordLen         = 35
	shortRecordLen         = 6
	recordPresentFlag byte = 0x01

	LIDGearboxSensors byte = 0x20
	LIDSysUsage       byte = 0x23
	LIDShaftSpeeds    byte = 0x31

	testerPresentRespond byte = 0x01
)

// UsageSource is what LID 0x23 reads from. *sysmon.Monitor satisfies it.
type UsageSource interface {
	Usage() (sysmon.Usage, error)
}

// Deps 标准服务表依赖的外部数据
type Deps struct {
	Ident    ident.DCSIdentification
	Signals  signals.Source
	Usage    UsageSource
	Security *SecurityAccess // nil disables 0x27
}

// RegisterStandard installs the services the unit answers to.
func RegisterStandard(d *Dispatcher, deps Deps) error {
	rec, err := deps.Ident.MarshalBinary()
	if err != nil {
		return err
	}

	d.Register(Service{SID: SIDStartDiagSession, Name: "StartDiagnosticSession", MinArgs: 1, MaxArgs: 1, Handler: handleStartSession})
	d.Register(Service{SID: SIDTesterPresent, Name: "TesterPresent", MinArgs: 1, MaxArgs: 1, Handler: handleTesterPresent})
	d.Register(Service{SID: SIDReadEcuIdentification, Name: "ReadEcuIdentification", MinArgs: 1, MaxArgs: 1, Handler: readEcuIdentification(rec)})
	if deps.Signals != nil {
		d.Register(Service{SID: SIDReadDataByLocalID, Name: "ReadDataByLocalIdentifier", MinArgs: 1, MaxArgs: 1,
			Handler: readDataByLocalID(deps.Signals, deps.Usage)})
	}
	if deps.Security != nil {
		d.Register(Service{SID: SIDSecurityAccess, Name: "SecurityAccess", MinArgs: 1, MaxArgs: 5, Handler: deps.Security.Handle})
	}
	for _, sid := range []byte{SIDRequestDownload, SIDTransferData, SIDTransferExit} {
		d.Register(Service{SID: sid, Name: "Flash", MinArgs: 0, MaxArgs: -1, Handler: handleFlashStub})
	}
	return nil
}

func handleStartSession(c Call) (Response, []Event) {
	m, ok := ParseMode(c.Args[0])
	if !ok {
		return Negative(NRCSubFunctionNotSupported), nil
	}
	return Positive(byte(m)), []Event{StartSession(m), Activity}
}

// handleTesterPresent 无论参数如何都刷新活动时间, 只有 0x01 需要应答
func handleTesterPresent(c Call) (Response, []Event) {
	events := []Event{Activity}
	if c.Args[0] == testerPresentRespond {
		return Positive(), events
	}
	return Suppressed(), events
}

func readEcuIdentification(dcs []byte) Handler {
	group := make([]byte, groupRecordLen)
	group[0] = recordPresentFlag
	short := make([]byte, shortRecordLen)
	short[0] = recordPresentFlag

	return func(c Call) (Response, []Event) {
		lid := c.Args[0]
		switch {
		case lid == LIDDCSIdentification:
			return PositiveLID(lid, dcs...), nil
		case lid >= lidGroupFirst && lid <= lidGroupLast:
			return PositiveLID(lid, group...), nil
		case lid >= lidShortRecFirst && lid <= lidShortRecLast:
			return PositiveLID(lid, short...), nil
		}
		return Negative(NRCSubFunctionNotSupported), nil
	}
}

func readDataByLocalID(src signals.Source, usage UsageSource) Handler {
	return func(c Call) (Response, []Event) {
		lid := c.Args[0]
		switch lid {
		case LIDGearboxSensors:
			return PositiveLID(lid, encodeGearboxSensors(src.Snapshot())...), nil
		case LIDShaftSpeeds:
			return PositiveLID(lid, encodeShaftSpeeds(src.Snapshot())...), nil
		case LIDSysUsage:
			if usage == nil {
				return Negative(NRCRequestOutOfRange), nil
			}
			u, err := usage.Usage()
			if err != nil {
				return Negative(NRCConditionsNotCorrect), nil
			}
			return PositiveLID(lid, encodeSysUsage(u)...), nil
		}
		return Negative(NRCRequestOutOfRange), nil
	}
}

// encodeGearboxSensors 13字节小端: n2 n3 rpm vbatt(u16) atf(i32) park(u8)
func encodeGearboxSensors(s signals.Snapshot) []byte {
	b := make([]byte, 13)
	binary.LittleEndian.PutUint16(b[0:], s.N2RPM)
	binary.LittleEndian.PutUint16(b[2:], s.N3RPM)
	binary.LittleEndian.PutUint16(b[4:], s.TurbineRPM)
	binary.LittleEndian.PutUint16(b[6:], s.BatteryMV)
	binary.LittleEndian.PutUint32(b[8:], uint32(s.ATFTempC))
	if s.ParkingLock {
		b[12] = 1
	}
	return b
}

func encodeShaftSpeeds(s signals.Snapshot) []byte {
	vals := []uint16{
		s.N2RPM, s.N3RPM, s.TurbineRPM, s.EngineRPM,
		s.WheelFL, s.WheelFR, s.WheelRL, s.WheelRR,
		s.SpeedRear, s.SpeedFront,
	}
	b := make([]byte, 0, 2*len(vals))
	for _, v := range vals {
		b = binary.BigEndian.AppendUint16(b, v)
	}
	return b
}

// encodeSysUsage cpu‰ u16, free/total RAM KiB u32, tasks u16, little-endian
func encodeSysUsage(u sysmon.Usage) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint16(b[0:], u.CPUPermille)
	binary.LittleEndian.PutUint32(b[2:], uint32(min(u.FreeRAM/1024, 0xFFFFFFFF)))
	binary.LittleEndian.PutUint32(b[6:], uint32(min(u.TotalRAM/1024, 0xFFFFFFFF)))
	binary.LittleEndian.PutUint16(b[10:], u.Tasks)
	return b
}

// handleFlashStub 刷写服务未实现
func handleFlashStub(c Call) (Response, []Event) {
	if c.State.Mode != SessionFlash {
		return Negative(NRCServiceNotSupportedInActiveSession), nil
	}
	return Negative(NRCGeneralReject), nil
}
