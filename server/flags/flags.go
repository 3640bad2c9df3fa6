package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	LogSource = "log-source"

	Hostname          = "hostname"
	Drivers           = "drivers"
	HeartbeatInterval = "heartbeat-interval"

	PowerMaxRetries   = "power-max-retries"
	PowerPollInterval = "power-poll-interval"

	DemoNode = "demo-node"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// Forge
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Hostname, "", "conductor hostname (default: OS hostname with a generated suffix)")
	flags.StringSlice(Drivers, []string{"fake"}, "drivers to enable (fake, docker, sshvirt, openstack)")
	flags.Duration(HeartbeatInterval, 10*time.Second, "how often to refresh the conductor heartbeat")

	// Power convergence
	flags.Int(PowerMaxRetries, 3, "maximum power command attempts per transition")
	flags.Duration(PowerPollInterval, 5*time.Second, "pause between power state observations")

	// Dev
	flags.Bool(DemoNode, false, "create a fake node at startup and cycle its power")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("forge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
