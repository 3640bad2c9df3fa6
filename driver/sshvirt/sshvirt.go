// Package sshvirt controls the power state of virtual machines by running
// hypervisor commands over SSH. Meant for dev and test environments.
//
// Supported virt types: virsh, vbox (VirtualBox), vmware (ESXi vim-cmd).
package sshvirt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/gammadia/forge/driver"
	"github.com/gammadia/forge/driver/converge"
	"github.com/gammadia/forge/errdefs"
)

// Runner executes a shell command on the hypervisor host and returns its
// combined output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens a Runner from parsed driver_info. Replaceable in tests.
type Dialer func(ctx context.Context, info map[string]string) (Runner, error)

type Config struct {
	Engine converge.Engine
	Logger *slog.Logger

	// Dialer defaults to an SSH connection built from driver_info.
	Dialer Dialer
}

// New builds the sshvirt driver bundle. Only the Power capability is
// implemented; boot device control is not exposed by these hypervisor CLIs.
func New(config Config) *driver.Driver {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Dialer == nil {
		config.Dialer = dialSSH
	}
	return &driver.Driver{
		Name:  "sshvirt",
		Power: &power{config: config},
	}
}

var powerProperties = driver.Properties{
	Required: map[string]string{
		"ssh_address":   "IP address or hostname of the hypervisor to SSH into",
		"ssh_username":  "username to authenticate as",
		"ssh_virt_type": "virtualization software in use (virsh, vbox, vmware)",
		"ssh_vm_name":   "name (or vim id) of the virtual machine on the hypervisor",
	},
	Optional: map[string]string{
		"ssh_password":     "password for authentication; one of this or ssh_key_contents must be set",
		"ssh_key_contents": "PEM private key for authentication; one of this or ssh_password must be set",
		"ssh_port":         "SSH port on the hypervisor; default 22",
		"libvirt_uri":      "libvirt connection URI for virsh; default qemu:///system",
	},
}

// commandSet is the per-virt-type vocabulary. Every command is a template
// receiving the shell-escaped VM name.
type commandSet struct {
	start       string
	stop        string
	reset       string
	listAll     string
	listRunning string

	// running reports whether the listRunning output shows the VM up.
	running func(output, vm string) bool
	// known reports whether the listAll output contains the VM at all.
	known func(output, vm string) bool
}

var commandSets = map[string]commandSet{
	"virsh": {
		start:       "virsh --connect %[1]s start %[2]s",
		stop:        "virsh --connect %[1]s destroy %[2]s",
		reset:       "virsh --connect %[1]s reset %[2]s",
		listAll:     "virsh --connect %[1]s list --all --name",
		listRunning: "virsh --connect %[1]s list --state-running --name",
		running:     lineMatch,
		known:       lineMatch,
	},
	"vbox": {
		start:       "VBoxManage startvm %[2]s --type headless",
		stop:        "VBoxManage controlvm %[2]s poweroff",
		reset:       "VBoxManage controlvm %[2]s reset",
		listAll:     "VBoxManage list vms",
		listRunning: "VBoxManage list runningvms",
		running:     quotedMatch,
		known:       quotedMatch,
	},
	"vmware": {
		start:       "vim-cmd vmsvc/power.on %[2]s",
		stop:        "vim-cmd vmsvc/power.off %[2]s",
		reset:       "vim-cmd vmsvc/power.reset %[2]s",
		listAll:     "vim-cmd vmsvc/getallvms | awk '$1 ~ /^[0-9]+$/ {print $1}'",
		listRunning: "vim-cmd vmsvc/power.getstate %[2]s | grep -q 'Powered on' && echo %[2]s || true",
		running:     lineMatch,
		known:       lineMatch,
	},
}

func lineMatch(output, vm string) bool {
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == vm {
			return true
		}
	}
	return false
}

func quotedMatch(output, vm string) bool {
	return strings.Contains(output, `"`+vm+`"`)
}

func (cs commandSet) render(template string, info map[string]string) string {
	uri := info["libvirt_uri"]
	if uri == "" {
		uri = "qemu:///system"
	}
	return fmt.Sprintf(template, shellescape.Quote(uri), shellescape.Quote(info["ssh_vm_name"]))
}

// parseInfo validates driver_info beyond the required-keys check: the virt
// type must be known and exactly one credential must be set.
func parseInfo(node driver.Node) (map[string]string, commandSet, error) {
	info, err := powerProperties.ParseInfo(node)
	if err != nil {
		return nil, commandSet{}, err
	}

	cs, ok := commandSets[info["ssh_virt_type"]]
	if !ok {
		return nil, commandSet{}, errdefs.NewInvalidParameterValue(
			"'%s' is not a valid ssh_virt_type (virsh, vbox, vmware)", info["ssh_virt_type"])
	}

	password, key := info["ssh_password"], info["ssh_key_contents"]
	if (password == "") == (key == "") {
		return nil, commandSet{}, errdefs.NewInvalidParameterValue(
			"exactly one of ssh_password and ssh_key_contents must be set")
	}
	if port := info["ssh_port"]; port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return nil, commandSet{}, errdefs.NewInvalidParameterValue("ssh_port '%s' is not an integer", port)
		}
	}

	return info, cs, nil
}

// dialSSH is the default Dialer, backed by x/crypto/ssh.
func dialSSH(ctx context.Context, info map[string]string) (Runner, error) {
	var auth []ssh.AuthMethod
	if password := info["ssh_password"]; password != "" {
		auth = append(auth, ssh.Password(password))
	}
	if key := info["ssh_key_contents"]; key != "" {
		signer, err := ssh.ParsePrivateKey([]byte(key))
		if err != nil {
			return nil, errdefs.NewInvalidParameterValue("failed to parse ssh_key_contents: %v", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	port := info["ssh_port"]
	if port == "" {
		port = "22"
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(info["ssh_address"], port), &ssh.ClientConfig{
		User:            info["ssh_username"],
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, errdefs.ServiceUnavailable{Reason: fmt.Sprintf("SSH connection to '%s' failed: %v", info["ssh_address"], err)}
	}
	return &sshRunner{client: client}, nil
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open SSH session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
		case <-done:
		}
	}()

	output, err := session.CombinedOutput(command)
	close(done)
	if err != nil {
		return string(output), fmt.Errorf("SSH command '%s' failed: %w", command, err)
	}
	return string(output), nil
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
