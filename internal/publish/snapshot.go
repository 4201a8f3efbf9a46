// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package publish

import (
	"strconv"
	"time"

	el "github.com/ak1211/BRouteBP35A1/internal/echonetlite"
)

// スマートメーターの時刻は日本時間
var jst = time.FixedZone("JST", 9*60*60)

// センサー名と値
type Reading struct {
	Sensor  string
	Payload string
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Snapshot lists the values the meter has received so far. Properties that
// have not arrived yet are left out.
func Snapshot(m *el.Meter) []Reading {
	var readings []Reading
	add := func(sensor string, payload string) {
		readings = append(readings, Reading{Sensor: sensor, Payload: payload})
	}
	if m.Power != nil {
		add("instantaneous_power", strconv.Itoa(int(*m.Power)))
	}
	if m.Current != nil {
		add("instantaneous_current_r", formatFloat(m.Current.AmpereR()))
		if t, ok := m.Current.AmpereT(); ok {
			add("instantaneous_current_t", formatFloat(t))
		}
	}
	if kwh, ok := m.Energy(); ok {
		add("total_energy", formatFloat(kwh))
	}
	if kwh, ok := m.ReverseEnergy(); ok {
		add("reverse_total_energy", formatFloat(kwh))
	}
	if kwh, ok := m.FixedTimeEnergyKWh(); ok {
		add("fixed_time_energy", formatFloat(kwh))
		add("fixed_time_energy_at", m.FixedTimeEnergy.Time(jst).Format(time.RFC3339))
	}
	return readings
}
