// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ak1211/BRouteBP35A1/internal/echonetlite"
)

// ECHONET Lite のUDPポート
const EchonetlitePort = 0x0e1a

// RetryBudget bounds how often EVENT 21 may report "no data" (01) or
// "preparing" (02) before a send gives up. Whoever owns it decides its
// scope: one send, or a whole session when reused across sends.
type RetryBudget struct {
	Limit     int
	NoData    int // EVENT 21 ... 01
	Preparing int // EVENT 21 ... 02
	Recertify int // EVENT 29 の後に再送した回数
}

func NewRetryBudget(limit int) *RetryBudget {
	return &RetryBudget{Limit: limit}
}

func (b *RetryBudget) Reset() {
	b.NoData = 0
	b.Preparing = 0
	b.Recertify = 0
}

// 送信完了待ちの結果
type SendOutcome int

const (
	SendPending SendOutcome = iota
	// 2つ目の完了通知を受信した
	SendAcknowledged
	// 再送する
	SendRetry
	SendFailed
	// EVENT 29: PANA再認証を待ってから判断する
	SendRecertify
)

// SendMachine runs the acknowledge handshake after SKSENDTO. OK, EVENT 02
// and EVENT 21 with status 00 each count as one confirmation; the first one
// only arms the machine and the second one, of any kind, completes it.
type SendMachine struct {
	budget   *RetryBudget
	received bool
	Outcome  SendOutcome
	Err      error
}

func NewSendMachine(budget *RetryBudget) *SendMachine {
	return &SendMachine{budget: budget}
}

func (s *SendMachine) confirm() Step {
	if s.received {
		s.budget.Reset()
		s.Outcome = SendAcknowledged
		return Done
	}
	s.received = true
	return Continue
}

func (s *SendMachine) fail(err error) Step {
	s.Outcome = SendFailed
	s.Err = err
	return Done
}

func (s *SendMachine) Handle(line string) Step {
	switch {
	case strings.Contains(line, "EVENT 02"):
		return s.confirm()
	case strings.Contains(line, "EVENT 21"):
		cols := strings.Split(line, " ")
		if len(cols) != 5 {
			return s.fail(fmt.Errorf("%w: invalid response format %q", echonetlite.ErrMalformedFrame, line))
		}
		switch cols[4] {
		case "00": // 送信成功
			return s.confirm()
		case "01": // 応答データ無し
			s.budget.NoData++
			if s.budget.NoData >= s.budget.Limit {
				return s.fail(fmt.Errorf("%w: no response data after %d tries", ErrRetryBudgetExhausted, s.budget.NoData))
			}
			s.Outcome = SendRetry
			return Done
		case "02": // 応答データ準備中
			s.budget.Preparing++
			if s.budget.Preparing >= s.budget.Limit {
				return s.fail(fmt.Errorf("%w: response data is being prepared after %d tries", ErrRetryBudgetExhausted, s.budget.Preparing))
			}
			s.Outcome = SendRetry
			return Done
		}
	case strings.Contains(line, "EVENT 29"):
		s.Outcome = SendRecertify
		return Done
	case strings.Contains(line, "FAIL ER"):
		return s.fail(fmt.Errorf("%w: %s", ErrDeviceRejected, line))
	case strings.Contains(line, "OK"):
		return s.confirm()
	}
	return Continue
}

// SendTo sends an ECHONET Lite frame to the smart meter with a fresh
// retry budget.
func (m *Module) SendTo(payload []byte) error {
	return m.SendToWithBudget(payload, NewRetryBudget(m.opts.UdpRetryLimit))
}

// SendToWithBudget repeats SKSENDTO while the handshake asks for a retry
// and budget allows it. A nil budget behaves like SendTo.
func (m *Module) SendToWithBudget(payload []byte, budget *RetryBudget) error {
	if m.ipv6 == "" {
		return ErrNoAddress
	}
	if budget == nil {
		budget = NewRetryBudget(m.opts.UdpRetryLimit)
	}
	header := fmt.Sprintf("SKSENDTO 1 %s %04X 1 0 %04X ", m.ipv6, EchonetlitePort, len(payload))
	for {
		m.logger.Debug("BP35A1::send", "command", header+hex.EncodeToString(payload))
		buf := append([]byte(header), payload...)
		buf = append(buf, '\r', '\n')
		if _, err := m.port.Write(buf); err != nil {
			m.logger.Error("Write", "err", err)
			return err
		}
		retry, err := m.waitUdpSuccessResponse(budget)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		m.clock.Sleep(m.timeouts.UdpRetry)
		m.logger.Warn("BP35A1::sendUdp(): Retrying to send UDP data", "reason", err)
	}
}

func (m *Module) waitUdpSuccessResponse(budget *RetryBudget) (bool, error) {
	mc := NewSendMachine(budget)
	if err := m.await(mc, m.timeouts.Read); err != nil {
		m.logger.Warn("BP35A1::waitUdpSuccessResponse(): TimeOut")
		return false, err
	}
	switch mc.Outcome {
	case SendAcknowledged:
		return false, nil
	case SendRetry:
		return true, fmt.Errorf("udp status: no data yet (01:%d 02:%d)", budget.NoData, budget.Preparing)
	case SendRecertify:
		m.logger.Debug("BP35A1::waitUdpEvent(): re certification event received")
		if err := m.WaitConnection(); err != nil {
			return false, err
		}
		budget.Recertify++
		if budget.Recertify > budget.Limit {
			return false, fmt.Errorf("%w: re certified %d times", ErrRetryBudgetExhausted, budget.Recertify)
		}
		return true, fmt.Errorf("re certified")
	}
	m.logger.Error("BP35A1::waitUdpEvent()", "err", mc.Err)
	return false, mc.Err
}

// ERXUDP 受信通知
type Datagram struct {
	Sender     string
	Dest       string
	RemotePort uint16
	LocalPort  uint16
	SenderLLA  string
	Secured    bool
	Side       string
	Payload    []byte
}

// ParseERXUDP splits an inbound UDP notification. It must have exactly ten
// fields, the last being the hex encoded payload.
func ParseERXUDP(line string) (Datagram, error) {
	cols := strings.Fields(line)
	if len(cols) != 10 || cols[0] != "ERXUDP" {
		return Datagram{}, fmt.Errorf("%w: ERXUDP has %d fields", echonetlite.ErrMalformedFrame, len(cols))
	}
	rport, err := strconv.ParseUint(cols[3], 16, 16)
	if err != nil {
		return Datagram{}, fmt.Errorf("%w: remote port %q", echonetlite.ErrMalformedFrame, cols[3])
	}
	lport, err := strconv.ParseUint(cols[4], 16, 16)
	if err != nil {
		return Datagram{}, fmt.Errorf("%w: local port %q", echonetlite.ErrMalformedFrame, cols[4])
	}
	length, err := strconv.ParseUint(cols[8], 16, 16)
	if err != nil {
		return Datagram{}, fmt.Errorf("%w: data length %q", echonetlite.ErrMalformedFrame, cols[8])
	}
	payload, err := hex.DecodeString(cols[9])
	if err != nil {
		return Datagram{}, fmt.Errorf("%w: %v", echonetlite.ErrMalformedFrame, err)
	}
	if int(length) != len(payload) {
		return Datagram{}, fmt.Errorf("%w: data length %d, got %d bytes", echonetlite.ErrMalformedFrame, length, len(payload))
	}
	return Datagram{
		Sender:     cols[1],
		Dest:       cols[2],
		RemotePort: uint16(rport),
		LocalPort:  uint16(lport),
		SenderLLA:  cols[5],
		Secured:    cols[6] == "1",
		Side:       cols[7],
		Payload:    payload,
	}, nil
}

func (m *Module) handleUdpResponse(line string) error {
	d, err := ParseERXUDP(line)
	if err != nil {
		return err
	}
	frame, err := m.meter.Decode(d.Payload)
	if err != nil {
		return err
	}
	m.logger.Debug("Echonetlite", "frame", frame)
	return nil
}

// ReceiveMachine waits for the first ERXUDP notification that decodes into
// the meter. Others are logged and skipped.
type ReceiveMachine struct {
	handle func(line string) error
	m      *Module
}

func (r *ReceiveMachine) Handle(line string) Step {
	if !strings.Contains(line, "ERXUDP") {
		return Continue
	}
	if err := r.handle(line); err != nil {
		r.m.logger.Debug("BP35A1::waitUdpResponse()", "err", err)
		return Continue
	}
	return Done
}

// Receive waits up to timeout for a smart meter response.
func (m *Module) Receive(timeout time.Duration) error {
	mc := ReceiveMachine{handle: m.handleUdpResponse, m: m}
	if err := m.await(&mc, timeout); err != nil {
		m.logger.Debug("BP35A1::waitUdpResponse(): TimeOut")
		return err
	}
	return nil
}
