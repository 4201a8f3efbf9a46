// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ペアリング結果(pairingで書き込み、runで読み込む)
type Settings struct {
	RouteBId       string `json:"RouteBId" mapstructure:"RouteBId"`
	RouteBPassword string `json:"RouteBPassword" mapstructure:"RouteBPassword"`
	// 16進数(SKSREG S2 にそのまま渡す)
	Channel string `json:"Channel" mapstructure:"Channel"`
	// 16進数(SKSREG S3 にそのまま渡す)
	PanId      string `json:"PanId" mapstructure:"PanId"`
	MacAddress string `json:"MacAddress" mapstructure:"MacAddress"`
	// SKLL64 で得たアドレス(空なら再度問い合わせる)
	Ipv6Address string `json:"Ipv6Address,omitempty" mapstructure:"Ipv6Address"`
}

func ValidateRouteBID(id string) error {
	if len(id) != 32 {
		return fmt.Errorf("ルートＢＩＤは32文字です")
	}
	return nil
}

func ValidateRouteBPassword(password string) error {
	if len(password) != 12 {
		return fmt.Errorf("ルートＢパスワードは12文字です")
	}
	return nil
}

func (s Settings) Validate() error {
	if err := ValidateRouteBID(s.RouteBId); err != nil {
		return err
	}
	if err := ValidateRouteBPassword(s.RouteBPassword); err != nil {
		return err
	}
	if s.Channel == "" || s.PanId == "" || s.MacAddress == "" {
		return fmt.Errorf("no pairing result, run pairing first")
	}
	return nil
}

// ReadSettings loads and validates a settings file written by WriteSettings.
func ReadSettings(fileName string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(fileName)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", fileName, err)
	}
	return s, nil
}

// WriteSettings keeps the key spelling of Settings, which viper would
// lower case.
func WriteSettings(fileName string, s Settings) error {
	jsonbytes, err := json.MarshalIndent(s, "", strings.Repeat(" ", 2))
	if err != nil {
		return err
	}
	return os.WriteFile(fileName, jsonbytes, 0600)
}
