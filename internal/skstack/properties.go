// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	el "github.com/ak1211/BRouteBP35A1/internal/echonetlite"
)

// GetProperties sends a Get request for epcs and waits for the response,
// which lands in Meter().
func (m *Module) GetProperties(epcs ...el.EPC) error {
	if err := m.SendTo(el.GetRequest(epcs...).Encode()); err != nil {
		return err
	}
	return m.Receive(m.timeouts.Read)
}

// SetProperty writes one property and waits for the Set_Res.
func (m *Module) SetProperty(epc el.EPC, edt []byte) error {
	if err := m.SendTo(el.SetRequest(epc, edt).Encode()); err != nil {
		return err
	}
	return m.Receive(m.timeouts.Read)
}

// 係数
func (m *Module) RequestCoefficient() error {
	return m.GetProperties(el.EPCCoefficient)
}

// 積算電力量有効桁数
func (m *Module) RequestEffectiveDigits() error {
	return m.GetProperties(el.EPCEffectiveDigits)
}

// 積算電力量計測値(正方向)
func (m *Module) RequestTotalEnergy() error {
	return m.GetProperties(el.EPCTotalEnergy)
}

// 積算電力量単位
func (m *Module) RequestEnergyUnit() error {
	return m.GetProperties(el.EPCEnergyUnit)
}

// 積算電力量計測値履歴1(正方向)
func (m *Module) RequestHistory() error {
	return m.GetProperties(el.EPCTotalEnergyHistory)
}

// 積算電力量計測値(逆方向)
func (m *Module) RequestReverseTotalEnergy() error {
	return m.GetProperties(el.EPCReverseTotalEnergy)
}

// 積算電力量計測値履歴1(逆方向)
func (m *Module) RequestReverseHistory() error {
	return m.GetProperties(el.EPCReverseTotalEnergyHistory)
}

// 積算履歴収集日1
func (m *Module) RequestCollectionDay() error {
	return m.GetProperties(el.EPCHistoryCollectionDay)
}

// SetCollectionDay selects which day RequestHistory returns, 0 being today.
func (m *Module) SetCollectionDay(day el.CollectionDay) error {
	return m.SetProperty(el.EPCHistoryCollectionDay, day.Bytes())
}

// 瞬時電力計測値
func (m *Module) RequestInstantaneousPower() error {
	return m.GetProperties(el.EPCInstantaneousPower)
}

// 瞬時電流計測値
func (m *Module) RequestInstantaneousCurrent() error {
	return m.GetProperties(el.EPCInstantaneousCurrent)
}

// 瞬時電力と瞬時電流を1回の要求で得る
func (m *Module) RequestInstantaneous() error {
	return m.GetProperties(el.EPCInstantaneousPower, el.EPCInstantaneousCurrent)
}

// 定時積算電力量計測値(正方向)
func (m *Module) RequestFixedTimeEnergy() error {
	return m.GetProperties(el.EPCFixedTimeTotalEnergy)
}

// 定時積算電力量計測値(逆方向)
func (m *Module) RequestReverseFixedTimeEnergy() error {
	return m.GetProperties(el.EPCReverseFixedTimeEnergy)
}

// Bルート識別番号
func (m *Module) RequestRouteBID() error {
	return m.GetProperties(el.EPCRouteBID)
}

// 1分積算電力量計測値
func (m *Module) RequestOneMinuteEnergy() error {
	return m.GetProperties(el.EPCOneMinuteTotalEnergy)
}

// 積算電力量計測値履歴3
func (m *Module) RequestHistory3() error {
	return m.GetProperties(el.EPCTotalEnergyHistory3)
}

// 積算履歴収集日3
func (m *Module) RequestCollectionDay3() error {
	return m.GetProperties(el.EPCHistoryCollectionDateTime3)
}

// SetCollectionDay3 takes the 7 byte date, time and slot count of history 3.
func (m *Module) SetCollectionDay3(edt [7]byte) error {
	return m.SetProperty(el.EPCHistoryCollectionDateTime3, edt[:])
}

// 動作状態、異常発生状態、メーカーコード
func (m *Module) RequestStatus() error {
	return m.GetProperties(el.EPCOperationStatus, el.EPCFaultStatus, el.EPCMakerCode)
}
