// Package ident builds the ECU identification records served by
// ReadEcuIdentification.
package ident

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/LoveWonYoung/tcudiag/config"
)

// DCSRecordLen DCS标识记录固定16字节
const DCSRecordLen = 16

// DaimlerVendorID is the diag info value Daimler testers expect (diag version 51).
const DaimlerVendorID = 593

// DCSIdentification 0x1A 0x86 响应体
type DCSIdentification struct {
	PartNumber [5]byte // BCD, 10 digits
	HWWeek     uint8
	HWYear     uint8
	SWWeek     uint8
	SWYear     uint8
	SupplierID uint8
	DiagInfo   uint16
	ProdYear   uint8
	ProdMonth  uint8
	ProdDay    uint8
}

// MarshalBinary encodes the record in tester byte order. Always 16 bytes.
func (d DCSIdentification) MarshalBinary() ([]byte, error) {
	b := make([]byte, DCSRecordLen)
	copy(b[0:5], d.PartNumber[:])
	b[5] = d.HWWeek
	b[6] = d.HWYear
	b[7] = d.SWWeek
	b[8] = d.SWYear
	b[9] = d.SupplierID
	binary.BigEndian.PutUint16(b[10:12], d.DiagInfo)
	b[12] = 0x00 // reserved
	b[13] = d.ProdYear
	b[14] = d.ProdMonth
	b[15] = d.ProdDay
	return b, nil
}

func (d *DCSIdentification) UnmarshalBinary(b []byte) error {
	if len(b) != DCSRecordLen {
		return fmt.Errorf("identification record must be %d bytes, got %d", DCSRecordLen, len(b))
	}
	copy(d.PartNumber[:], b[0:5])
	d.HWWeek = b[5]
	d.HWYear = b[6]
	d.SWWeek = b[7]
	d.SWYear = b[8]
	d.SupplierID = b[9]
	d.DiagInfo = binary.BigEndian.Uint16(b[10:12])
	d.ProdYear = b[13]
	d.ProdMonth = b[14]
	d.ProdDay = b[15]
	return nil
}

// PartNumberString 将BCD零件号还原为10位数字
func (d DCSIdentification) PartNumberString() string {
	out := make([]byte, 0, 10)
	for _, v := range d.PartNumber {
		out = append(out, '0'+v>>4, '0'+v&0x0F)
	}
	return string(out)
}

// EncodeBCD packs 10 decimal digits into 5 bytes, high nibble first.
func EncodeBCD(digits string) ([5]byte, error) {
	var out [5]byte
	if len(digits) != 10 {
		return out, fmt.Errorf("part number must have 10 digits, got %d", len(digits))
	}
	for i := 0; i < 10; i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return out, fmt.Errorf("part number digit %q is not decimal", c)
		}
		if i%2 == 0 {
			out[i/2] = (c - '0') << 4
		} else {
			out[i/2] |= c - '0'
		}
	}
	return out, nil
}

// FromConfig builds the record from the ident section.
func FromConfig(c config.IdentConfig) (DCSIdentification, error) {
	pn, err := EncodeBCD(c.PartNumber)
	if err != nil {
		return DCSIdentification{}, err
	}
	return DCSIdentification{
		PartNumber: pn,
		HWWeek:     c.HWWeek,
		HWYear:     c.HWYear,
		SWWeek:     c.SWWeek,
		SWYear:     c.SWYear,
		SupplierID: c.SupplierID,
		DiagInfo:   c.DiagInfo,
		ProdYear:   c.ProdYear,
		ProdMonth:  c.ProdMonth,
		ProdDay:    c.ProdDay,
	}, nil
}

// LoadHex reads the 16-byte record at addr from an Intel HEX calibration image.
func LoadHex(r io.Reader, addr uint32) (DCSIdentification, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return DCSIdentification{}, fmt.Errorf("parse intel hex: %w", err)
	}
	if !covered(mem, addr, DCSRecordLen) {
		return DCSIdentification{}, fmt.Errorf("image has no data at 0x%08X..0x%08X", addr, addr+DCSRecordLen-1)
	}

	var d DCSIdentification
	if err := d.UnmarshalBinary(mem.ToBinary(addr, DCSRecordLen, 0xFF)); err != nil {
		return DCSIdentification{}, err
	}
	return d, nil
}

// covered 判断区间是否完全落在某个数据段内
func covered(mem *gohex.Memory, addr uint32, size uint32) bool {
	for _, seg := range mem.GetDataSegments() {
		end := seg.Address + uint32(len(seg.Data))
		if addr >= seg.Address && addr+size <= end {
			return true
		}
	}
	return false
}

// DumpHex writes d as an Intel HEX image at addr. Used to build calibration images.
func DumpHex(w io.Writer, d DCSIdentification, addr uint32) error {
	b, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, b); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}
