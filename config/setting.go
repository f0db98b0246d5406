package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"time"
)

// logConfig controls the telemetry package's zap/lumberjack wiring.
type logConfig struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// ApplicationVersion is the locally configured application identity
// exchanged and validated during the handshake (§6).
type ApplicationVersion struct {
	Ident        uint64   `json:"ident"`
	Major        uint32   `json:"major"`
	Minor        uint32   `json:"minor"`
	BannedMinors []uint32 `json:"banned_minor_list"`
}

// TransportVersion is the locally configured transport identity, distinct
// from ApplicationVersion so a transport revision can change independently
// of the application built on top of it.
type TransportVersion struct {
	Ident uint64 `json:"ident"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// Endpoint describes one socket this process should bind, listen on and/or
// dial out from.
type Endpoint struct {
	Name      string `json:"name"`
	Listen    string `json:"listen"`
	Listening bool   `json:"listening"`
	Substrate string `json:"substrate"` // "udp" or "quic"
}

// projectConfig holds everything read from setting.json.
type projectConfig struct {
	Log       logConfig  `json:"log"`
	Endpoints []Endpoint `json:"endpoints"`

	ReliableBitfieldLength int           `json:"reliable_bitfield_length"`
	AttemptTimeout         time.Duration `json:"attempt_timeout"`
	ConnectionTimeout      time.Duration `json:"connection_timeout"`
	KeepAliveTimeout       time.Duration `json:"keep_alive_timeout"`
	MTU                    int           `json:"mtu"`
	SendBudgetPerTick      int           `json:"send_budget_per_tick"`
	RetransmitTimeout      time.Duration `json:"retransmit_timeout"`
	ErrorThreshold         int           `json:"error_threshold"`

	Application ApplicationVersion `json:"application_version"`
	Transport   TransportVersion   `json:"transport_version"`
}

// GlobalCfg points to the configuration currently in effect.
var GlobalCfg *projectConfig

func defaults() *projectConfig {
	return &projectConfig{
		Log: logConfig{Level: "info", Path: "moto-net.log"},

		ReliableBitfieldLength: 4,
		AttemptTimeout:         3 * time.Second,
		ConnectionTimeout:      15 * time.Second,
		KeepAliveTimeout:       2 * time.Second,
		MTU:                    1200,
		SendBudgetPerTick:      16384,
		RetransmitTimeout:      200 * time.Millisecond,
		ErrorThreshold:         16,

		Transport: TransportVersion{Ident: 0x6d6f746f, Major: 1, Minor: 0},
	}
}

func init() {
	// 支持通过环境变量覆盖配置文件路径
	path := os.Getenv("MOTO_NET_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	cfg := defaults()
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	} else if err := json.Unmarshal(buf, cfg); err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	}

	if len(cfg.Endpoints) == 0 {
		fmt.Printf("empty endpoint list\n")
	}
	for i := range cfg.Endpoints {
		if err := cfg.Endpoints[i].verify(); err != nil {
			fmt.Printf("verify endpoint failed at pos %d : %s\n", i, err.Error())
		}
	}

	GlobalCfg = cfg
}

// Reload reads path and, on success, replaces GlobalCfg with its contents
// layered over the built-in defaults.
func Reload(path string) error {
	cfg := defaults()
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if len(cfg.Endpoints) == 0 {
		fmt.Printf("empty endpoint list\n")
	}
	for i := range cfg.Endpoints {
		if err := cfg.Endpoints[i].verify(); err != nil {
			return fmt.Errorf("verify endpoint failed at pos %d : %w", i, err)
		}
	}
	GlobalCfg = cfg
	return nil
}

// verify checks that an Endpoint entry is minimally well-formed.
func (e *Endpoint) verify() error {
	if e.Name == "" {
		return fmt.Errorf("empty name")
	}
	if e.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	switch e.Substrate {
	case "", "udp":
		e.Substrate = "udp"
	case "quic":
	default:
		return fmt.Errorf("unknown substrate %q", e.Substrate)
	}
	return nil
}
