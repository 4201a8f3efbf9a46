// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"encoding/hex"
	"fmt"
	"log/slog"
)

// Meter holds the most recently decoded value of each smart meter property.
// A nil field means the property has not been received yet. Fields are only
// replaced by Decode after the whole frame carrying them has validated.
type Meter struct {
	Coefficient        *Coefficient
	EffectiveDigits    *byte
	TotalEnergy        *EnergyReading
	Unit               *EnergyUnit
	History            *History
	ReverseTotalEnergy *EnergyReading
	CollectionDay      *CollectionDay
	Power              *InstantaneousPower
	Current            *InstantaneousCurrent
	FixedTimeEnergy    *FixedTimeEnergy
	// 専用の型を持たないプロパティはEDTをそのまま保持する
	Raw map[EPC][]byte
}

// Decode validates an ECHONET Lite response frame sent by the smart meter and
// stores its property values. On error nothing is stored.
func (m *Meter) Decode(data []byte) (Frame, error) {
	if len(data) < MinFrameBytes {
		return Frame{}, fmt.Errorf("%w: bad length(%d)", ErrMalformedFrame, len(data))
	}
	// 応答した識別子がスマートメータと一致するか
	if seoj := EOJ(data[4:7]); seoj != SmartMeter {
		return Frame{}, fmt.Errorf("%w: seoj %s", ErrIdentityMismatch, seoj)
	}
	frame, err := ParseFrame(data)
	if err != nil {
		return Frame{}, err
	}
	if frame.ESV != ESVGetRes && frame.ESV != ESVSetRes {
		return Frame{}, fmt.Errorf("%w: esv %02x", ErrUnsupportedCode, byte(frame.ESV))
	}

	commits := make([]func(*Meter), 0, len(frame.Props))
	for _, p := range frame.Props {
		switch frame.ESV {
		case ESVGetRes:
			commit, err := decodeGetProperty(p)
			if err != nil {
				return Frame{}, err
			}
			commits = append(commits, commit)
		case ESVSetRes:
			if err := decodeSetProperty(p); err != nil {
				return Frame{}, err
			}
		}
	}
	for _, commit := range commits {
		commit(m)
	}
	return frame, nil
}

func decodeGetProperty(p Property) (func(*Meter), error) {
	c, ok := getCodecs[p.EPC]
	if !ok {
		return nil, fmt.Errorf("%w: epc %02x", ErrUnsupportedCode, byte(p.EPC))
	}
	if !c.accepts(len(p.EDT)) {
		return nil, fmt.Errorf("%w: epc %02x pdc %d, want %d", ErrMalformedFrame, byte(p.EPC), len(p.EDT), c.size)
	}
	return c.decode(p.EDT)
}

func decodeSetProperty(p Property) error {
	if !settable[p.EPC] {
		return fmt.Errorf("%w: epc %02x", ErrUnsupportedCode, byte(p.EPC))
	}
	if len(p.EDT) != 0 {
		return fmt.Errorf("%w: epc %02x pdc %d in set response", ErrMalformedFrame, byte(p.EPC), len(p.EDT))
	}
	return nil
}

// ConvertEnergy converts an integer cumulative energy reading to kWh.
// Readings outside 0..99999999 (future slots, overflow) convert to 0.
func ConvertEnergy(reading int64, coefficient Coefficient, unit EnergyUnit) float64 {
	if reading > MaxEnergyReading || reading < 0 {
		return 0.0
	}
	return float64(reading) * float64(coefficient) * unit.Multiplier()
}

func (m *Meter) coefficient() Coefficient {
	if m.Coefficient == nil {
		return 1
	}
	return *m.Coefficient
}

func (m *Meter) convert(r *EnergyReading) (float64, bool) {
	if r == nil || m.Unit == nil {
		return 0, false
	}
	return ConvertEnergy(int64(*r), m.coefficient(), *m.Unit), true
}

// 積算電力量計測値(kWh)
func (m *Meter) Energy() (float64, bool) {
	return m.convert(m.TotalEnergy)
}

// 積算電力量計測値 逆方向(kWh)
func (m *Meter) ReverseEnergy() (float64, bool) {
	return m.convert(m.ReverseTotalEnergy)
}

// 最新の定時積算電力量計測値(kWh)
func (m *Meter) FixedTimeEnergyKWh() (float64, bool) {
	if m.FixedTimeEnergy == nil {
		return 0, false
	}
	return m.convert(&m.FixedTimeEnergy.Reading)
}

// 履歴の各コマをkWhにする(計測値が無いコマはfalse)
func (m *Meter) HistoryKWh() ([HistorySlots]float64, [HistorySlots]bool, bool) {
	var (
		values [HistorySlots]float64
		valid  [HistorySlots]bool
	)
	if m.History == nil || m.Unit == nil {
		return values, valid, false
	}
	for i, v := range m.History.Slots {
		if v == HistoryNoData {
			continue
		}
		values[i] = ConvertEnergy(int64(v), m.coefficient(), *m.Unit)
		valid[i] = true
	}
	return values, valid, true
}

// 受信済みの計測値をログに出す
func (m *Meter) LogReadings(logger *slog.Logger) {
	if kwh, ok := m.Energy(); ok {
		logger.Info("cumlative watt hour", slog.Float64("kWh", kwh))
	}
	if kwh, ok := m.FixedTimeEnergyKWh(); ok {
		e := m.FixedTimeEnergy
		logger.Info("fixed time cumlative watt hour",
			slog.String("at", fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", e.Year, e.Month, e.Day, e.Hour, e.Minute, e.Second)),
			slog.Float64("kWh", kwh),
		)
	}
	if m.Power != nil {
		logger.Info("instantious watt", slog.Int("W", int(*m.Power)))
	}
	if m.Current != nil {
		if t, ok := m.Current.AmpereT(); ok {
			logger.Info("instantious ampere",
				slog.Float64("R", m.Current.AmpereR()),
				slog.Float64("T", t),
			)
		} else {
			//単相2線式
			logger.Info("instantious ampere", slog.Float64("R", m.Current.AmpereR()))
		}
	}
	for epc, edt := range m.Raw {
		logger.Debug("Echonetlite",
			slog.String("epc", fmt.Sprintf("%02x", byte(epc))),
			slog.String("edt", hex.EncodeToString(edt)),
		)
	}
}
