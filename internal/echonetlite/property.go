// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"encoding/binary"
	"fmt"
	"time"
)

// 低圧スマート電力量メータのプロパティ
const (
	EPCOperationStatus            EPC = 0x80 // 動作状態
	EPCFaultStatus                EPC = 0x88 // 異常発生状態
	EPCMakerCode                  EPC = 0x8a // メーカーコード
	EPCRouteBID                   EPC = 0xc0 // Bルート識別番号
	EPCOneMinuteTotalEnergy       EPC = 0xd0 // 1分積算電力量計測値(正方向、逆方向計測値)
	EPCCoefficient                EPC = 0xd3 // 係数(存在しない場合は×1倍)
	EPCEffectiveDigits            EPC = 0xd7 // 積算電力量有効桁数
	EPCTotalEnergy                EPC = 0xe0 // 積算電力量計測値(正方向計測値)
	EPCEnergyUnit                 EPC = 0xe1 // 積算電力量単位(正方向、逆方向計測値)
	EPCTotalEnergyHistory         EPC = 0xe2 // 積算電力量計測値履歴1(正方向計測値)
	EPCReverseTotalEnergy         EPC = 0xe3 // 積算電力量計測値(逆方向計測値)
	EPCReverseTotalEnergyHistory  EPC = 0xe4 // 積算電力量計測値履歴1(逆方向計測値)
	EPCHistoryCollectionDay       EPC = 0xe5 // 積算履歴収集日1
	EPCInstantaneousPower         EPC = 0xe7 // 瞬時電力計測値
	EPCInstantaneousCurrent       EPC = 0xe8 // 瞬時電流計測値
	EPCFixedTimeTotalEnergy       EPC = 0xea // 定時積算電力量計測値(正方向計測値)
	EPCReverseFixedTimeEnergy     EPC = 0xeb // 定時積算電力量計測値(逆方向計測値)
	EPCTotalEnergyHistory3        EPC = 0xee // 積算電力量計測値履歴3(正逆,1分)
	EPCHistoryCollectionDateTime3 EPC = 0xef // 積算履歴収集日3
)

const (
	// 積算電力量計測値の上限(8桁)
	MaxEnergyReading int64 = 99999999
	// 履歴のコマに計測値が無い
	HistoryNoData uint32 = 0xfffffffe
	// 1日分の履歴のコマ数(30分毎)
	HistorySlots = 48
	// 瞬時電流計測値: T相が無い(単相2線式)
	CurrentNoPhase int16 = 0x7ffe
)

// 積算電力量係数
type Coefficient uint32

func decodeCoefficient(edt []byte) (Coefficient, error) {
	return Coefficient(binary.BigEndian.Uint32(edt)), nil
}

func (c Coefficient) Bytes() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(c))
}

// 積算電力量計測値(生値)
type EnergyReading uint32

func decodeEnergyReading(edt []byte) (EnergyReading, error) {
	return EnergyReading(binary.BigEndian.Uint32(edt)), nil
}

func (r EnergyReading) Bytes() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(r))
}

// 積算電力量単位
type EnergyUnit byte

var energyUnitMultipliers = map[EnergyUnit]float64{
	0x00: 1,
	0x01: 0.1,
	0x02: 0.01,
	0x03: 0.001,
	0x04: 0.0001,
	0x0a: 10,
	0x0b: 100,
	0x0c: 1000,
	0x0d: 10000,
}

func decodeEnergyUnit(edt []byte) (EnergyUnit, error) {
	u := EnergyUnit(edt[0])
	if _, ok := energyUnitMultipliers[u]; !ok {
		return 0, fmt.Errorf("%w: energy unit %02x", ErrMalformedFrame, edt[0])
	}
	return u, nil
}

// kWh への倍率
func (u EnergyUnit) Multiplier() float64 {
	return energyUnitMultipliers[u]
}

func (u EnergyUnit) Bytes() []byte {
	return []byte{byte(u)}
}

// 積算電力量計測値履歴(1日分, 30分毎48コマ)
type History struct {
	Day   uint16 // 何日前の履歴か
	Slots [HistorySlots]uint32
}

const historyBytes = 2 + 4*HistorySlots

func decodeHistory(edt []byte) (History, error) {
	h := History{Day: binary.BigEndian.Uint16(edt[0:2])}
	for i := range h.Slots {
		h.Slots[i] = binary.BigEndian.Uint32(edt[2+4*i:])
	}
	return h, nil
}

func (h History) Bytes() []byte {
	buf := binary.BigEndian.AppendUint16(nil, h.Day)
	for _, v := range h.Slots {
		buf = binary.BigEndian.AppendUint32(buf, v)
	}
	return buf
}

// 積算履歴収集日(0:当日 1～99:前日からの日数)
type CollectionDay byte

func decodeCollectionDay(edt []byte) (CollectionDay, error) {
	return CollectionDay(edt[0]), nil
}

func (d CollectionDay) Bytes() []byte {
	return []byte{byte(d)}
}

// 瞬時電力計測値(W)
type InstantaneousPower int32

func decodeInstantaneousPower(edt []byte) (InstantaneousPower, error) {
	return InstantaneousPower(int32(binary.BigEndian.Uint32(edt))), nil
}

func (p InstantaneousPower) Bytes() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(p))
}

// 瞬時電流計測値(0.1A単位)
type InstantaneousCurrent struct {
	R int16
	T int16
}

func decodeInstantaneousCurrent(edt []byte) (InstantaneousCurrent, error) {
	return InstantaneousCurrent{
		R: int16(binary.BigEndian.Uint16(edt[0:2])),
		T: int16(binary.BigEndian.Uint16(edt[2:4])),
	}, nil
}

func (c InstantaneousCurrent) Bytes() []byte {
	buf := binary.BigEndian.AppendUint16(nil, uint16(c.R))
	return binary.BigEndian.AppendUint16(buf, uint16(c.T))
}

// 単相2線式ならT相は無い
func (c InstantaneousCurrent) SinglePhase() bool {
	return c.T == CurrentNoPhase
}

func (c InstantaneousCurrent) AmpereR() float64 {
	return float64(c.R) / 10.0
}

func (c InstantaneousCurrent) AmpereT() (float64, bool) {
	if c.SinglePhase() {
		return 0, false
	}
	return float64(c.T) / 10.0, true
}

// 定時積算電力量計測値(30分毎)
type FixedTimeEnergy struct {
	Year    uint16
	Month   byte
	Day     byte
	Hour    byte
	Minute  byte
	Second  byte
	Reading EnergyReading
}

func decodeFixedTimeEnergy(edt []byte) (FixedTimeEnergy, error) {
	return FixedTimeEnergy{
		Year:    binary.BigEndian.Uint16(edt[0:2]),
		Month:   edt[2],
		Day:     edt[3],
		Hour:    edt[4],
		Minute:  edt[5],
		Second:  edt[6],
		Reading: EnergyReading(binary.BigEndian.Uint32(edt[7:11])),
	}, nil
}

func (e FixedTimeEnergy) Bytes() []byte {
	buf := binary.BigEndian.AppendUint16(nil, e.Year)
	buf = append(buf, e.Month, e.Day, e.Hour, e.Minute, e.Second)
	return binary.BigEndian.AppendUint32(buf, uint32(e.Reading))
}

// 計測日時(スマートメーターは日本時間)
func (e FixedTimeEnergy) Time(loc *time.Location) time.Time {
	return time.Date(int(e.Year), time.Month(e.Month), int(e.Day),
		int(e.Hour), int(e.Minute), int(e.Second), 0, loc)
}

// 応答電文のプロパティ値1つ分の読み取り規則
type codec struct {
	size     int  // EDTのバイト数
	variable bool // trueならsizeは上限
	// 検証済みのEDTを解釈して、反映する関数を返す
	decode func(edt []byte) (func(*Meter), error)
}

func (c codec) accepts(pdc int) bool {
	if c.variable {
		return pdc <= c.size
	}
	return pdc == c.size
}

func typed[T any](size int, dec func([]byte) (T, error), store func(*Meter, T)) codec {
	return codec{
		size: size,
		decode: func(edt []byte) (func(*Meter), error) {
			v, err := dec(edt)
			if err != nil {
				return nil, err
			}
			return func(m *Meter) { store(m, v) }, nil
		},
	}
}

func raw(epc EPC, size int, variable bool) codec {
	return codec{
		size:     size,
		variable: variable,
		decode: func(edt []byte) (func(*Meter), error) {
			v := append([]byte(nil), edt...)
			return func(m *Meter) {
				if m.Raw == nil {
					m.Raw = make(map[EPC][]byte)
				}
				m.Raw[epc] = v
			}, nil
		},
	}
}

// Get_Res で受け付けるプロパティ
var getCodecs = map[EPC]codec{
	EPCOperationStatus:      raw(EPCOperationStatus, 1, false),
	EPCFaultStatus:          raw(EPCFaultStatus, 1, false),
	EPCMakerCode:            raw(EPCMakerCode, 3, false),
	EPCRouteBID:             raw(EPCRouteBID, 17, false),
	EPCOneMinuteTotalEnergy: raw(EPCOneMinuteTotalEnergy, 15, false),
	EPCCoefficient: typed(4, decodeCoefficient, func(m *Meter, v Coefficient) {
		m.Coefficient = &v
	}),
	EPCEffectiveDigits: typed(1, func(edt []byte) (byte, error) { return edt[0], nil }, func(m *Meter, v byte) {
		m.EffectiveDigits = &v
	}),
	EPCTotalEnergy: typed(4, decodeEnergyReading, func(m *Meter, v EnergyReading) {
		m.TotalEnergy = &v
	}),
	EPCEnergyUnit: typed(1, decodeEnergyUnit, func(m *Meter, v EnergyUnit) {
		m.Unit = &v
	}),
	EPCTotalEnergyHistory: typed(historyBytes, decodeHistory, func(m *Meter, v History) {
		m.History = &v
	}),
	EPCReverseTotalEnergy: typed(4, decodeEnergyReading, func(m *Meter, v EnergyReading) {
		m.ReverseTotalEnergy = &v
	}),
	EPCReverseTotalEnergyHistory: raw(EPCReverseTotalEnergyHistory, historyBytes, false),
	EPCHistoryCollectionDay: typed(1, decodeCollectionDay, func(m *Meter, v CollectionDay) {
		m.CollectionDay = &v
	}),
	EPCInstantaneousPower: typed(4, decodeInstantaneousPower, func(m *Meter, v InstantaneousPower) {
		m.Power = &v
	}),
	EPCInstantaneousCurrent: typed(4, decodeInstantaneousCurrent, func(m *Meter, v InstantaneousCurrent) {
		m.Current = &v
	}),
	EPCFixedTimeTotalEnergy: typed(11, decodeFixedTimeEnergy, func(m *Meter, v FixedTimeEnergy) {
		m.FixedTimeEnergy = &v
	}),
	EPCReverseFixedTimeEnergy:     raw(EPCReverseFixedTimeEnergy, 11, false),
	EPCTotalEnergyHistory3:        raw(EPCTotalEnergyHistory3, 87, true),
	EPCHistoryCollectionDateTime3: raw(EPCHistoryCollectionDateTime3, 7, false),
}

// Set_Res で受け付けるプロパティ(応答のPDCは0)
var settable = map[EPC]bool{
	EPCHistoryCollectionDay:       true,
	EPCHistoryCollectionDateTime3: true,
}
