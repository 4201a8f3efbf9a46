// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// スマートメーターを見つけたときのスキャン結果
func beaconLines() []string {
	return []string{
		"EVENT 20 " + testIpv6,
		"EPANDESC",
		"  Channel:21",
		"  Channel Page:09",
		"  Pan ID:8888",
		"  Addr:" + testMac,
		"  LQI:E1",
		"  PairID:00AABBCC",
		"EVENT 22 " + testIpv6,
	}
}

var wantScanResult = ScanResult{Channel: "21", PanID: "8888", Addr: testMac}

func TestScanMachine(t *testing.T) {
	mc := ScanMachine{}
	var last Step
	for _, line := range beaconLines() {
		last = mc.Handle(line)
	}

	assert.Equal(t, Done, last)
	assert.True(t, mc.Found())
	assert.Equal(t, wantScanResult, mc.Result)
}

func TestScanMachineNothingFound(t *testing.T) {
	mc := ScanMachine{}

	assert.Equal(t, Continue, mc.Handle("OK"))
	assert.Equal(t, Done, mc.Handle("EVENT 22 "+testIpv6))
	assert.True(t, mc.Completed)
	assert.False(t, mc.Found())
	assert.True(t, mc.Result.IsZero())
}

func TestScan(t *testing.T) {
	m, port, _ := newTestModule(t)
	port.onWrite = func(command string) {
		if strings.HasPrefix(command, "SKSCAN 2 FFFFFFFF 6 ") {
			port.respond(0, "OK")
			port.respond(3*time.Second, beaconLines()...)
		}
	}

	require.NoError(t, m.Scan())
	assert.Equal(t, wantScanResult, m.ScanResult())
	assert.Equal(t, []string{"SKSCAN 2 FFFFFFFF 6 0"}, port.written)
}

func TestScanRetriesWithLongerDuration(t *testing.T) {
	m, port, _ := newTestModule(t)
	port.onWrite = func(command string) {
		port.respond(0, "OK")
		switch command {
		case "SKSCAN 2 FFFFFFFF 6 0":
			port.respond(20*time.Second, "EVENT 22 "+testIpv6)
		case "SKSCAN 2 FFFFFFFF 7 0":
			port.respond(20*time.Second, beaconLines()...)
		}
	}

	require.NoError(t, m.Scan())
	assert.Equal(t, wantScanResult, m.ScanResult())
	assert.Equal(t, []string{"SKSCAN 2 FFFFFFFF 6 0", "SKSCAN 2 FFFFFFFF 7 0"}, port.written)
}

func TestScanNotFoundKeepsPreviousResult(t *testing.T) {
	m, port, _ := newTestModule(t)
	previous := ScanResult{Channel: "3B", PanID: "1234", Addr: "0011223344556677"}
	m.SetScanResult(previous)
	port.onWrite = func(command string) {
		port.respond(0, "OK")
		port.respond(time.Second, "EVENT 22 "+testIpv6)
	}

	assert.ErrorIs(t, m.Scan(), ErrNotFound)
	assert.Equal(t, previous, m.ScanResult())
	assert.Len(t, port.commands("SKSCAN"), 4)
}

func TestScanWindowTimeout(t *testing.T) {
	m, port, clock := newTestModule(t)
	m.opts.ScanDurations = []int{6}
	port.onWrite = func(command string) { port.respond(0, "OK") }
	start := clock.Now()

	assert.ErrorIs(t, m.Scan(), ErrNotFound)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), 6*DefaultTimeouts().ScanUnit)
}

func TestScanRejected(t *testing.T) {
	m, port, _ := newTestModule(t)
	port.onWrite = func(command string) { port.respond(0, "FAIL ER06") }

	assert.ErrorIs(t, m.Scan(), ErrDeviceRejected)
	assert.Len(t, port.written, 1)
}
