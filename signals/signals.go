// Package signals 保存控制逻辑解码后的整车信号快照，诊断服务只读访问。
package signals

import (
	"sync/atomic"
	"time"
)

// Snapshot 一次完整的整车信号值
type Snapshot struct {
	N2RPM       uint16
	N3RPM       uint16
	TurbineRPM  uint16 // calculated input shaft speed
	EngineRPM   uint16
	BatteryMV   uint16
	ATFTempC    int32
	ParkingLock bool

	WheelFL uint16
	WheelFR uint16
	WheelRL uint16
	WheelRR uint16

	SpeedRear  uint16 // km/h x10
	SpeedFront uint16 // km/h x10

	Taken time.Time
}

// Source is the read-only accessor handlers use.
type Source interface {
	Snapshot() Snapshot
}

// Store holds the latest snapshot. Publish is called by the control loop,
// Snapshot by the diagnostic task; neither blocks.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{})
	return s
}

// Publish replaces the current snapshot.
func (s *Store) Publish(snap Snapshot) {
	if snap.Taken.IsZero() {
		snap.Taken = time.Now()
	}
	s.cur.Store(&snap)
}

func (s *Store) Snapshot() Snapshot {
	return *s.cur.Load()
}
