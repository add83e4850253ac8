package relayd

import (
	"strconv"
	"time"

	"github.com/horgh/config"
	"github.com/pkg/errors"
)

// Config holds the settings needed to run a Server.
type Config struct {
	ListenHost string
	ListenPort string
	ServerName string
	Version    string
	MOTD       string

	// PingTime is how long a registered connection may sit idle before the
	// server sends it a keepalive PING.
	PingTime time.Duration

	// DeadTime is how long a connection may go without any activity
	// (including a PING reply) before it is disconnected.
	DeadTime time.Duration
}

var requiredConfigKeys = []string{
	"listen-host",
	"listen-port",
	"server-name",
	"version",
	"motd",
	"ping-time",
	"dead-time",
}

// LoadConfig reads a flat key = value file and validates it holds every
// required key in a usable format. Durations are seconds, since the
// underlying config reader only hands back strings.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := config.ReadStringMap(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config file")
	}

	for _, key := range requiredConfigKeys {
		v, ok := raw[key]
		if !ok || len(v) == 0 {
			return cfg, errors.Errorf("missing or blank required key: %s", key)
		}
	}

	cfg.ListenHost = raw["listen-host"]
	cfg.ListenPort = raw["listen-port"]
	cfg.ServerName = raw["server-name"]
	cfg.Version = raw["version"]
	cfg.MOTD = raw["motd"]

	pingSeconds, err := strconv.ParseInt(raw["ping-time"], 10, 32)
	if err != nil {
		return cfg, errors.Wrap(err, "parsing ping-time")
	}
	cfg.PingTime = time.Duration(pingSeconds) * time.Second

	deadSeconds, err := strconv.ParseInt(raw["dead-time"], 10, 32)
	if err != nil {
		return cfg, errors.Wrap(err, "parsing dead-time")
	}
	cfg.DeadTime = time.Duration(deadSeconds) * time.Second

	return cfg, nil
}
