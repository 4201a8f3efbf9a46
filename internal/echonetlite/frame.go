// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package echonetlite

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrMalformedFrame   = errors.New("malformed echonet lite frame")
	ErrIdentityMismatch = errors.New("source object is not the smart meter")
	ErrUnsupportedCode  = errors.New("unsupported echonet lite code")
)

// 0x1081 = echonet lite
const EHD uint16 = 0x1081

// EHD,TID,SEOJ,DEOJ,ESV,OPC
const MinFrameBytes int = 12

// ECHONET Lite オブジェクト
type EOJ [3]byte

var (
	HomeController = EOJ{0x05, 0xff, 0x01} // home controller
	SmartMeter     = EOJ{0x02, 0x88, 0x01} // 低圧スマート電力量メータ
	NodeProfile    = EOJ{0x0e, 0xf0, 0x01} // ノードプロファイル
)

func (e EOJ) String() string {
	return hex.EncodeToString(e[:])
}

// ECHONET Lite サービス
type ESV byte

const (
	ESVSetCSNA ESV = 0x51 // プロパティ値書き込み要求不可応答
	ESVGetSNA  ESV = 0x52 // プロパティ値読み出し不可応答
	ESVSetC    ESV = 0x61 // プロパティ値書き込み要求(応答要)
	ESVGet     ESV = 0x62 // プロパティ値読み出し要求
	ESVSetRes  ESV = 0x71 // プロパティ値書き込み応答
	ESVGetRes  ESV = 0x72 // プロパティ値読み出し応答
	ESVInf     ESV = 0x73 // プロパティ値通知
)

// ECHONET プロパティ
type EPC byte

type Property struct {
	EPC EPC
	EDT []byte // PDC = len(EDT)
}

type Frame struct {
	EHD   uint16
	TID   uint16
	SEOJ  EOJ
	DEOJ  EOJ
	ESV   ESV
	Props []Property // OPC = len(Props)
}

// スマートメーターへのプロパティ値読み出し要求
func GetRequest(epcs ...EPC) Frame {
	props := make([]Property, 0, len(epcs))
	for _, epc := range epcs {
		props = append(props, Property{EPC: epc}) // 送信するデータ無し
	}
	return Frame{
		EHD:   EHD,
		TID:   0x0001,
		SEOJ:  HomeController,
		DEOJ:  SmartMeter,
		ESV:   ESVGet,
		Props: props,
	}
}

// スマートメーターへのプロパティ値書き込み要求(応答要)
func SetRequest(epc EPC, edt []byte) Frame {
	return Frame{
		EHD:   EHD,
		TID:   0x0001,
		SEOJ:  HomeController,
		DEOJ:  SmartMeter,
		ESV:   ESVSetC,
		Props: []Property{{EPC: epc, EDT: edt}},
	}
}

// 送信用のバイト列にする
func (f Frame) Encode() []byte {
	buf := binary.BigEndian.AppendUint16(nil, f.EHD)
	buf = binary.BigEndian.AppendUint16(buf, f.TID)
	buf = append(buf, f.SEOJ[:]...)
	buf = append(buf, f.DEOJ[:]...)
	buf = append(buf, byte(f.ESV), byte(len(f.Props)))
	for _, p := range f.Props {
		buf = append(buf, byte(p.EPC), byte(len(p.EDT)))
		buf = append(buf, p.EDT...)
	}
	return buf
}

// ParseFrame splits data into the envelope and OPC property entries.
// Every byte must be accounted for: a short entry or bytes left over after
// the OPC-th entry are both ErrMalformedFrame.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < MinFrameBytes {
		return Frame{}, fmt.Errorf("%w: bad length(%d)", ErrMalformedFrame, len(data))
	}
	ehd := binary.BigEndian.Uint16(data[0:2])
	if ehd != EHD {
		return Frame{}, fmt.Errorf("%w: ehd:%x this is not an echonetlite frame", ErrMalformedFrame, ehd)
	}
	frame := Frame{
		EHD:  ehd,
		TID:  binary.BigEndian.Uint16(data[2:4]),
		SEOJ: EOJ(data[4:7]),
		DEOJ: EOJ(data[7:10]),
		ESV:  ESV(data[10]),
	}
	opc := int(data[11])
	props := data[MinFrameBytes:]
	for count := 0; count < opc; count++ {
		if len(props) < 2 {
			return Frame{}, fmt.Errorf("%w: property %d/%d truncated", ErrMalformedFrame, count+1, opc)
		}
		epc := EPC(props[0]) // 要求
		pdc := int(props[1]) // データ数
		if len(props) < 2+pdc {
			return Frame{}, fmt.Errorf("%w: epc:%02x pdc:%d exceeds %d remaining bytes",
				ErrMalformedFrame, byte(epc), pdc, len(props)-2)
		}
		frame.Props = append(frame.Props, Property{
			EPC: epc,
			EDT: props[2 : 2+pdc], // データ
		})
		props = props[2+pdc:]
	}
	if len(props) != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes left after %d properties", ErrMalformedFrame, len(props), opc)
	}
	return frame, nil
}

func (f Frame) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("seoj", f.SEOJ.String()),
		slog.String("deoj", f.DEOJ.String()),
		slog.String("esv", fmt.Sprintf("%02x", byte(f.ESV))),
	}
	for _, p := range f.Props {
		attrs = append(attrs, slog.String(fmt.Sprintf("%02x", byte(p.EPC)), hex.EncodeToString(p.EDT)))
	}
	return slog.GroupValue(attrs...)
}
