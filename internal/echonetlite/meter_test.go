// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"bytes"
	"log/slog"
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// スマートメーターからの応答電文を組み立てる
func response(esv ESV, props ...Property) []byte {
	return Frame{
		EHD:   EHD,
		TID:   0x0001,
		SEOJ:  SmartMeter,
		DEOJ:  HomeController,
		ESV:   esv,
		Props: props,
	}.Encode()
}

func prop(epc EPC, edt []byte) Property {
	return Property{EPC: epc, EDT: edt}
}

func TestDecodeGetResponseRoundTrip(t *testing.T) {
	history := History{Day: 1}
	for i := range history.Slots {
		history.Slots[i] = uint32(1000 + i)
	}
	history.Slots[47] = HistoryNoData
	fixed := FixedTimeEnergy{Year: 2025, Month: 4, Day: 1, Hour: 12, Minute: 30, Reading: 54321}

	tests := []struct {
		name  string
		epc   EPC
		edt   []byte
		check func(t *testing.T, m *Meter)
	}{
		{"coefficient", EPCCoefficient, Coefficient(10).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.Coefficient)
			assert.Equal(t, Coefficient(10), *m.Coefficient)
		}},
		{"total energy", EPCTotalEnergy, EnergyReading(12345).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.TotalEnergy)
			assert.Equal(t, EnergyReading(12345), *m.TotalEnergy)
		}},
		{"unit", EPCEnergyUnit, EnergyUnit(0x02).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.Unit)
			assert.Equal(t, 0.01, m.Unit.Multiplier())
		}},
		{"history", EPCTotalEnergyHistory, history.Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.History)
			assert.Equal(t, history, *m.History)
		}},
		{"collection day", EPCHistoryCollectionDay, CollectionDay(3).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.CollectionDay)
			assert.Equal(t, CollectionDay(3), *m.CollectionDay)
		}},
		{"instantaneous power", EPCInstantaneousPower, InstantaneousPower(-250).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.Power)
			assert.Equal(t, InstantaneousPower(-250), *m.Power)
		}},
		{"instantaneous current", EPCInstantaneousCurrent, InstantaneousCurrent{R: 52, T: 18}.Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.Current)
			assert.Equal(t, 5.2, m.Current.AmpereR())
			ampT, ok := m.Current.AmpereT()
			assert.True(t, ok)
			assert.Equal(t, 1.8, ampT)
		}},
		{"fixed time energy", EPCFixedTimeTotalEnergy, fixed.Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.FixedTimeEnergy)
			assert.Equal(t, fixed, *m.FixedTimeEnergy)
		}},
		{"reverse total energy", EPCReverseTotalEnergy, EnergyReading(77).Bytes(), func(t *testing.T, m *Meter) {
			require.NotNil(t, m.ReverseTotalEnergy)
			assert.Equal(t, EnergyReading(77), *m.ReverseTotalEnergy)
		}},
		{"effective digits", EPCEffectiveDigits, []byte{0x06}, func(t *testing.T, m *Meter) {
			require.NotNil(t, m.EffectiveDigits)
			assert.Equal(t, byte(6), *m.EffectiveDigits)
		}},
		{"maker code", EPCMakerCode, []byte{0x00, 0x00, 0x16}, func(t *testing.T, m *Meter) {
			assert.Equal(t, []byte{0x00, 0x00, 0x16}, m.Raw[EPCMakerCode])
		}},
		{"one minute total energy", EPCOneMinuteTotalEnergy, bytes.Repeat([]byte{0x01}, 15), func(t *testing.T, m *Meter) {
			assert.Len(t, m.Raw[EPCOneMinuteTotalEnergy], 15)
		}},
		{"history 3 (variable)", EPCTotalEnergyHistory3, bytes.Repeat([]byte{0x02}, 20), func(t *testing.T, m *Meter) {
			assert.Len(t, m.Raw[EPCTotalEnergyHistory3], 20)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Meter{}
			frame, err := m.Decode(response(ESVGetRes, prop(tt.epc, tt.edt)))
			require.NoError(t, err)
			assert.Equal(t, ESVGetRes, frame.ESV)
			tt.check(t, m)
		})
	}
}

func TestDecodeMultipleProperties(t *testing.T) {
	m := &Meter{}
	_, err := m.Decode(response(ESVGetRes,
		prop(EPCInstantaneousPower, InstantaneousPower(500).Bytes()),
		prop(EPCInstantaneousCurrent, InstantaneousCurrent{R: 50, T: CurrentNoPhase}.Bytes()),
	))
	require.NoError(t, err)
	assert.Equal(t, InstantaneousPower(500), *m.Power)
	assert.True(t, m.Current.SinglePhase())
	_, ok := m.Current.AmpereT()
	assert.False(t, ok)
}

func TestDecodeRejectsWithoutMutation(t *testing.T) {
	m := &Meter{}
	_, err := m.Decode(response(ESVGetRes,
		prop(EPCInstantaneousPower, InstantaneousPower(100).Bytes()),
		prop(EPCCoefficient, Coefficient(1).Bytes()),
		prop(EPCMakerCode, []byte{0x00, 0x00, 0x16}),
	))
	require.NoError(t, err)
	require.NotEmpty(t, m.Raw)
	// Rawはマップなので別に複製して比べる
	rawBefore := maps.Clone(m.Raw)
	before := *m
	before.Raw = nil

	valid := response(ESVGetRes,
		prop(EPCInstantaneousPower, InstantaneousPower(999).Bytes()),
		prop(EPCInstantaneousCurrent, InstantaneousCurrent{R: 1, T: 2}.Bytes()),
	)
	otherSender := append([]byte{}, valid...)
	copy(otherSender[4:7], NodeProfile[:])
	unknownESV := append([]byte{}, valid...)
	unknownESV[10] = byte(ESVGetSNA)
	// 構造は正しいが瞬時電力のPDCが3
	shortPDC := response(ESVGetRes, prop(EPCInstantaneousPower, []byte{0x00, 0x00, 0x01}))

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"leftover bytes", append(append([]byte{}, valid...), 0x00), ErrMalformedFrame},
		{"truncated", valid[:len(valid)-1], ErrMalformedFrame},
		{"too short", valid[:MinFrameBytes-1], ErrMalformedFrame},
		{"wrong pdc for type", shortPDC, ErrMalformedFrame},
		{"identity mismatch", otherSender, ErrIdentityMismatch},
		{"unsupported esv", unknownESV, ErrUnsupportedCode},
		{"unsupported epc after valid one", response(ESVGetRes,
			prop(EPCInstantaneousPower, InstantaneousPower(999).Bytes()),
			prop(0x99, []byte{0x01}),
		), ErrUnsupportedCode},
		{"bad energy unit", response(ESVGetRes,
			prop(EPCInstantaneousPower, InstantaneousPower(999).Bytes()),
			prop(EPCEnergyUnit, []byte{0x07}),
		), ErrMalformedFrame},
		{"variable length over limit", response(ESVGetRes,
			prop(EPCTotalEnergyHistory3, bytes.Repeat([]byte{0x00}, 88)),
		), ErrMalformedFrame},
		{"raw property before bad one", response(ESVGetRes,
			prop(EPCMakerCode, []byte{0x00, 0x00, 0x99}),
			prop(EPCOneMinuteTotalEnergy, bytes.Repeat([]byte{0x00}, 14)),
		), ErrMalformedFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Decode(tt.data)
			assert.ErrorIs(t, err, tt.want)
			got := *m
			got.Raw = nil
			assert.Equal(t, before, got)
			assert.Equal(t, rawBefore, m.Raw)
		})
	}
}

func TestDecodeIdentityCheckedBeforeStructure(t *testing.T) {
	data := response(ESVGetRes, prop(EPCInstantaneousPower, InstantaneousPower(1).Bytes()))
	copy(data[4:7], HomeController[:])
	data = append(data, 0xff, 0xff) // 構造も壊れている
	_, err := (&Meter{}).Decode(data)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestDecodeSetResponse(t *testing.T) {
	m := &Meter{}
	_, err := m.Decode(response(ESVSetRes, prop(EPCHistoryCollectionDay, nil)))
	require.NoError(t, err)
	assert.Nil(t, m.CollectionDay)

	_, err = m.Decode(response(ESVSetRes, prop(EPCHistoryCollectionDay, []byte{0x00})))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = m.Decode(response(ESVSetRes, prop(EPCInstantaneousPower, nil)))
	assert.ErrorIs(t, err, ErrUnsupportedCode)
}

func TestEnergyConversion(t *testing.T) {
	m := &Meter{}
	_, ok := m.Energy()
	assert.False(t, ok, "unit is not known yet")

	_, err := m.Decode(response(ESVGetRes,
		prop(EPCCoefficient, Coefficient(1).Bytes()),
		prop(EPCEnergyUnit, EnergyUnit(0x00).Bytes()),
		prop(EPCTotalEnergy, []byte{0x00, 0x00, 0x30, 0x39}), // 00012345
	))
	require.NoError(t, err)
	kwh, ok := m.Energy()
	require.True(t, ok)
	assert.Equal(t, 12345.0, kwh)

	assert.Equal(t, 0.0, ConvertEnergy(-1, 1, 0x00))
	assert.Equal(t, 0.0, ConvertEnergy(100000000, 1, 0x00))
	assert.Equal(t, 99999999.0, ConvertEnergy(99999999, 1, 0x00))
	assert.InDelta(t, 1234.5, ConvertEnergy(12345, 1, 0x01), 1e-9)
	assert.InDelta(t, 123450.0, ConvertEnergy(12345, 10, 0x00), 1e-9)
}

func TestEnergyConversionDefaultsCoefficient(t *testing.T) {
	m := &Meter{}
	_, err := m.Decode(response(ESVGetRes,
		prop(EPCEnergyUnit, EnergyUnit(0x01).Bytes()),
		prop(EPCTotalEnergy, EnergyReading(100).Bytes()),
	))
	require.NoError(t, err)
	kwh, ok := m.Energy()
	require.True(t, ok)
	assert.InDelta(t, 10.0, kwh, 1e-9)

	// 未来のコマ(0xFFFFFFFE)は範囲外で0になる
	_, err = m.Decode(response(ESVGetRes, prop(EPCTotalEnergy, EnergyReading(0xfffffffe).Bytes())))
	require.NoError(t, err)
	kwh, _ = m.Energy()
	assert.Equal(t, 0.0, kwh)
}

func TestHistoryKWh(t *testing.T) {
	h := History{}
	for i := range h.Slots {
		h.Slots[i] = HistoryNoData
	}
	h.Slots[0] = 20
	m := &Meter{}
	_, err := m.Decode(response(ESVGetRes,
		prop(EPCEnergyUnit, EnergyUnit(0x01).Bytes()),
		prop(EPCTotalEnergyHistory, h.Bytes()),
	))
	require.NoError(t, err)
	values, valid, ok := m.HistoryKWh()
	require.True(t, ok)
	assert.True(t, valid[0])
	assert.InDelta(t, 2.0, values[0], 1e-9)
	assert.False(t, valid[1])
}

func TestFixedTimeEnergyTime(t *testing.T) {
	e := FixedTimeEnergy{Year: 2025, Month: 1, Day: 2, Hour: 3, Minute: 30, Reading: 1}
	assert.Equal(t, time.Date(2025, 1, 2, 3, 30, 0, 0, time.UTC), e.Time(time.UTC))
}

func TestLogReadings(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := &Meter{}
	_, err := m.Decode(response(ESVGetRes,
		prop(EPCInstantaneousPower, InstantaneousPower(321).Bytes()),
		prop(EPCMakerCode, []byte{0x00, 0x00, 0x16}),
	))
	require.NoError(t, err)
	m.LogReadings(logger)
	assert.Contains(t, buf.String(), "W=321")
	assert.Contains(t, buf.String(), "edt=000016")
}
