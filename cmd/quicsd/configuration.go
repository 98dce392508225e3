package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/zys-contribs/quic"
)

// tomlConfig describes the TOML configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Socket    socketConf
	Session   sessionConf
	Metrics   metricsConf
	Qlog      qlogConf
}

type coreConf struct {
	// Driver is the name of a registered transport library.
	Driver string
}

type logConf struct {
	Level  string
	Format string
}

type socketConf struct {
	Listen []string

	ValidateAddress         bool   `toml:"validate-address"`
	ValidatedAddressLRUSize int    `toml:"validated-address-lru-size"`
	MaxConnections          int    `toml:"max-connections"`
	MaxConnectionsPerHost   int    `toml:"max-connections-per-host"`
	MaxStatelessResets      int    `toml:"max-stateless-resets-per-host"`
	RetryTokenTimeout       string `toml:"retry-token-timeout"`
	StatelessResetSecret    string `toml:"stateless-reset-secret"`
	DisableStatelessReset   bool   `toml:"disable-stateless-reset"`
}

type sessionConf struct {
	IdleTimeout    string `toml:"idle-timeout"`
	MaxData        int64  `toml:"max-data"`
	MaxStreamData  int64  `toml:"max-stream-data"`
	MaxStreamsBidi uint64 `toml:"max-streams-bidi"`
	MaxStreamsUni  uint64 `toml:"max-streams-uni"`
}

type metricsConf struct {
	Listen string
}

type qlogConf struct {
	File string
}

// parseConfig reads the configuration file and builds the socket options.
func parseConfig(filename string) (*tomlConfig, *quic.SocketConfig, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, nil, err
	}

	if lvl, err := log.ParseLevel(conf.Logging.Level); conf.Logging.Level != "" && err == nil {
		log.SetLevel(lvl)
	}
	if conf.Logging.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	sessConf := &quic.Config{
		MaxData:                 quic.ByteCount(conf.Session.MaxData),
		MaxStreamDataBidiLocal:  quic.ByteCount(conf.Session.MaxStreamData),
		MaxStreamDataBidiRemote: quic.ByteCount(conf.Session.MaxStreamData),
		MaxStreamDataUni:        quic.ByteCount(conf.Session.MaxStreamData),
		MaxStreamsBidi:          conf.Session.MaxStreamsBidi,
		MaxStreamsUni:           conf.Session.MaxStreamsUni,
	}
	if conf.Session.IdleTimeout != "" {
		d, err := time.ParseDuration(conf.Session.IdleTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("session.idle-timeout: %w", err)
		}
		sessConf.IdleTimeout = d
	}

	sockConf := &quic.SocketConfig{
		DriverName:                conf.Core.Driver,
		Session:                   sessConf,
		ValidateAddress:           conf.Socket.ValidateAddress,
		ValidatedAddressLRUSize:   conf.Socket.ValidatedAddressLRUSize,
		MaxConnections:            conf.Socket.MaxConnections,
		MaxConnectionsPerHost:     conf.Socket.MaxConnectionsPerHost,
		MaxStatelessResetsPerHost: conf.Socket.MaxStatelessResets,
		DisableStatelessReset:     conf.Socket.DisableStatelessReset,
	}
	if conf.Socket.RetryTokenTimeout != "" {
		d, err := time.ParseDuration(conf.Socket.RetryTokenTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("socket.retry-token-timeout: %w", err)
		}
		sockConf.RetryTokenTimeout = d
	}
	if conf.Socket.StatelessResetSecret != "" {
		sockConf.StatelessResetSecret = []byte(conf.Socket.StatelessResetSecret)
	}
	return &conf, sockConf, nil
}
