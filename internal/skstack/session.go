// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// PANAセッションの状態
type SessionState int

const (
	Disconnected SessionState = iota
	Joining
	Connected
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Joining:
		return "Joining"
	case Connected:
		return "Connected"
	}
	return "SessionState(" + strconv.Itoa(int(s)) + ")"
}

// JoinMachine waits for the PANA result. EVENT 21 (a PANA message was
// sent) means negotiation is still going on and renews the wait.
type JoinMachine struct {
	Succeeded bool
	Failed    bool
}

func (j *JoinMachine) Handle(line string) Step {
	switch {
	case strings.Contains(line, "EVENT 25"):
		j.Succeeded = true
		return Done
	case strings.Contains(line, "EVENT 24"):
		j.Failed = true
		return Done
	case strings.Contains(line, "EVENT 21"):
		return Renew
	}
	return Continue
}

// SKLL64 の応答(IPv6アドレス)
type addressMachine struct {
	addr string
}

func (a *addressMachine) Handle(line string) Step {
	if validateIpv6Format(line) {
		a.addr = line
		return Done
	}
	return Continue
}

// SKSENDTO はコロン区切り39文字の表記しか受け付けない
func validateIpv6Format(s string) bool {
	if len(s) != 39 {
		return false
	}
	for _, c := range s {
		if c != ':' && !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// FormatIpv6 writes addr in the 39 character form the module expects.
func FormatIpv6(addr netip.Addr) string {
	a := addr.As16()
	groups := make([]string, 8)
	for i := range groups {
		groups[i] = fmt.Sprintf("%04X", binary.BigEndian.Uint16(a[2*i:]))
	}
	return strings.Join(groups, ":")
}

// MACアドレスからIPv6リンクローカルアドレスへ変換する
// MACアドレスの最初の1バイト下位2bit目を反転して
// 0xFE80000000000000XXXXXXXXXXXXXXXXのXXをMACアドレスに置き換える
func LinkLocalFromMac(mac string) (netip.Addr, error) {
	macAddress, err := strconv.ParseUint(mac, 16, 64)
	if err != nil {
		return netip.Addr{}, err
	}
	address16 := [16]byte{}
	binary.BigEndian.PutUint64(address16[0:8], 0xFE80_0000_0000_0000)
	binary.BigEndian.PutUint64(address16[8:16], macAddress^0x0200_0000_0000_0000)
	return netip.AddrFrom16(address16), nil
}

// MAC アドレスを IPv6 アドレスに変換(SKLL64)
func (m *Module) ResolveAddress() error {
	if m.scanResult.Addr == "" {
		return ErrNoScanResult
	}
	if err := m.writeCommand("SKLL64 "+m.scanResult.Addr, "SKLL64 "+m.scanResult.Addr); err != nil {
		return err
	}
	mc := addressMachine{}
	if err := m.await(&mc, m.timeouts.Read); err != nil {
		return err
	}
	m.ipv6 = mc.addr
	return nil
}

func (m *Module) Address() string {
	return m.ipv6
}

// 保存済みのIPv6アドレスを使う
func (m *Module) SetAddress(ipv6 string) error {
	if !validateIpv6Format(ipv6) {
		return fmt.Errorf("bad ipv6 address: %q", ipv6)
	}
	m.ipv6 = ipv6
	return nil
}

// チャンネルを設定する
func (m *Module) SetChannel() error {
	if m.scanResult.Channel == "" {
		return ErrNoScanResult
	}
	return m.SendCommand("SKSREG S2 " + m.scanResult.Channel)
}

// PAN ID を設定する
func (m *Module) SetPanID() error {
	if m.scanResult.PanID == "" {
		return ErrNoScanResult
	}
	return m.SendCommand("SKSREG S3 " + m.scanResult.PanID)
}

// PANAセッション有効期限(秒)を設定する
func (m *Module) SetSessionLifetime(seconds uint32) error {
	if err := m.SendCommand(fmt.Sprintf("SKSREG S16 %08X", seconds)); err != nil {
		return err
	}
	m.sessionLifetime = seconds
	return nil
}

// Connect resolves the address, programs channel, PAN ID and session
// lifetime, then joins. Each step runs only if the previous one succeeded.
func (m *Module) Connect() error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"ResolveAddress", func() error {
			if m.ipv6 != "" {
				return nil
			}
			return m.ResolveAddress()
		}},
		{"SetChannel", m.SetChannel},
		{"SetPanID", m.SetPanID},
		{"SetSessionLifetime", func() error { return m.SetSessionLifetime(m.opts.SessionLifetime) }},
		{"Join", m.Join},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return nil
}

// PANA 接続要求を送信し、接続完了を待つ
func (m *Module) Join() error {
	if m.ipv6 == "" {
		return ErrNoAddress
	}
	if err := m.SendCommand("SKJOIN " + m.ipv6); err != nil {
		return err
	}
	return m.WaitConnection()
}

// PANA 再接続要求を送信し、接続完了を待つ
func (m *Module) Rejoin() error {
	if err := m.SendCommand("SKREJOIN"); err != nil {
		return err
	}
	return m.WaitConnection()
}

// WaitConnection waits for the PANA result with a window that EVENT 21
// renews. It does not send any command.
func (m *Module) WaitConnection() error {
	m.state = Joining
	mc := JoinMachine{}
	err := m.await(&mc, m.timeouts.Connection)
	switch {
	case err != nil:
		m.state = Disconnected
		m.logger.Warn("BP35A1::waitConnection(): TimeOut")
		return err
	case mc.Failed:
		m.state = Disconnected
		m.logger.Error("BP35A1::connection failed")
		return ErrSessionFailed
	}
	m.state = Connected
	m.lastCertification = m.clock.Now()
	m.logger.Info("connection successful", "ipv6", m.ipv6)
	return nil
}

func (m *Module) State() SessionState {
	return m.state
}

func (m *Module) LastCertification() time.Time {
	return m.lastCertification
}

// ReadRecertificationEvent consumes whatever the module sent while idle.
// EVENT 29 (the meter started re-authentication) re-runs the join wait;
// late ERXUDP notifications are decoded as usual.
func (m *Module) ReadRecertificationEvent() error {
	for m.lines.Available() {
		line := m.lines.ReadLine(m.timeouts.Read)
		switch {
		case line == "":
			return nil
		case strings.Contains(line, "EVENT 29"):
			m.logger.Debug("BP35A1::readReCertificationEvent(): re certification event received")
			return m.WaitConnection()
		case strings.Contains(line, "ERXUDP"):
			if err := m.handleUdpResponse(line); err != nil {
				m.logger.Debug("ignored", "line", line, "err", err)
			}
		default:
			m.logger.Debug("ignored", "line", line)
		}
	}
	return nil
}

// NeedsRejoin reports whether 75% of the PANA session lifetime has passed
// since the last successful authentication.
func (m *Module) NeedsRejoin() bool {
	if m.state != Connected {
		return false
	}
	limit := time.Duration(m.sessionLifetime) * time.Second * 75 / 100
	return m.clock.Now().Sub(m.lastCertification) >= limit
}

// 以前のPANAセッションを解除する
func (m *Module) DeleteSession() error {
	err := m.writeCommand("SKTERM", "SKTERM")
	m.ClearBuffer()
	m.sessionLifetime = m.opts.SessionLifetime
	m.state = Disconnected
	return err
}
