// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"fmt"
	"strings"
)

// CommandMachine waits for the final line of an ordinary command.
type CommandMachine struct {
	Err error
}

func (c *CommandMachine) Handle(line string) Step {
	switch {
	case strings.Contains(line, "FAIL ER"):
		c.Err = fmt.Errorf("%w: %s", ErrDeviceRejected, line)
		return Done
	case strings.Contains(line, "OK"):
		return Done
	}
	return Continue
}

// SendCommand writes command and waits for OK (nil), FAIL ER
// (ErrDeviceRejected) or the read timeout (ErrTimeout).
func (m *Module) SendCommand(command string) error {
	return m.sendCommand(command, command)
}

func (m *Module) sendCommand(command string, shown string) error {
	if err := m.writeCommand(command, shown); err != nil {
		return err
	}
	return m.waitSuccess()
}

func (m *Module) waitSuccess() error {
	mc := CommandMachine{}
	if err := m.await(&mc, m.timeouts.Read); err != nil {
		m.logger.Warn("waitSuccessResponse", "err", err)
		return err
	}
	if mc.Err != nil {
		m.logger.Error("waitSuccessResponse", "err", mc.Err)
	}
	return mc.Err
}

// コマンドエコーバックを変更する
func (m *Module) SetEcho(enable bool) error {
	flag := 0
	if enable {
		flag = 1
	}
	err := m.writeCommand(fmt.Sprintf("SKSREG SFE %d", flag), fmt.Sprintf("SKSREG SFE %d", flag))
	m.ClearBuffer()
	return err
}

// バージョン情報を取得する
func (m *Module) Version() error {
	err := m.SendCommand("SKVER")
	m.ClearBuffer()
	return err
}

// ROPT の応答(最初の1行で判断する)
type asciiModeMachine struct {
	ascii bool
}

func (a *asciiModeMachine) Handle(line string) Step {
	a.ascii = strings.Contains(line, "OK 01")
	return Done
}

// AsciiMode reports whether ERXUDP payloads are printed as hex text.
func (m *Module) AsciiMode() (bool, error) {
	if err := m.writeCommand("ROPT", "ROPT"); err != nil {
		return false, err
	}
	mc := asciiModeMachine{}
	if err := m.await(&mc, m.timeouts.Read); err != nil {
		return false, err
	}
	return mc.ascii, nil
}

// SetAsciiMode writes the option to flash memory, so avoid calling it on
// every start up.
func (m *Module) SetAsciiMode(ascii bool) error {
	command := "WOPT 00"
	if ascii {
		command = "WOPT 01"
	}
	err := m.SendCommand(command)
	m.ClearBuffer()
	return err
}

// ASCII出力モードでなければ設定する
func (m *Module) AssureAsciiMode() error {
	if ascii, err := m.AsciiMode(); err == nil && ascii {
		return nil
	}
	return m.SetAsciiMode(true)
}

// B ルートの PASSWORD を設定する
func (m *Module) SetPassword(password string) error {
	return m.sendCommand("SKSETPWD C "+password, "SKSETPWD C <password>")
}

// B ルートの ID を設定する
func (m *Module) SetRouteBID(id string) error {
	return m.sendCommand("SKSETRBID "+id, "SKSETRBID <id>")
}
