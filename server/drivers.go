package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/driver/docker"
	"github.com/gammadia/forge/driver/fake"
	"github.com/gammadia/forge/driver/openstack"
	"github.com/gammadia/forge/driver/sshvirt"
	"github.com/gammadia/forge/server/flags"
	"github.com/gammadia/forge/server/log"
)

// createRegistry builds the driver registry from the --drivers flag. A
// driver that fails to initialize (missing cloud credentials, no Docker
// daemon) fails startup: a conductor must not advertise drivers it cannot
// serve.
func createRegistry() (*driver.Registry, error) {
	engine := converge.New(converge.Config{
		MaxRetries: viper.GetInt(flags.PowerMaxRetries),
		Interval:   viper.GetDuration(flags.PowerPollInterval),
		Logger:     log.Base.With("component", "converge"),
	})

	registry := driver.NewRegistry()
	for _, name := range viper.GetStringSlice(flags.Drivers) {
		logger := log.Base.With("component", "driver", "driver", name)

		switch name {
		case "fake":
			d, _ := fake.NewDriver()
			registry.Register(d)

		case "sshvirt":
			registry.Register(sshvirt.New(sshvirt.Config{Engine: engine, Logger: logger}))

		case "docker":
			d, err := docker.New(docker.Config{Engine: engine, Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("failed to init docker driver: %w", err)
			}
			registry.Register(d)

		case "openstack":
			d, err := openstack.New(openstack.Config{Engine: engine, Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("failed to init openstack driver: %w", err)
			}
			registry.Register(d)

		default:
			return nil, fmt.Errorf("unknown driver '%s'", name)
		}
	}
	return registry, nil
}
