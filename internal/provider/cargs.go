package provider

import (
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
)

// runArgs is the Docker API translation of a deployment's cargs list.
type runArgs struct {
	env          []string
	devices      []container.DeviceMapping
	binds        []string
	networkMode  string
	privileged   bool
	portBindings nat.PortMap
	exposedPorts nat.PortSet
}

// parseCArgs translates the docker-run style cargs of a deployment into
// API structures. The supported subset mirrors what operators put in
// their config: --device, -v/--volume, -e/--env, --network, --privileged
// and -p/--publish. Anything else is a configuration error.
func parseCArgs(cargs []string) (*runArgs, error) {
	out := &runArgs{
		portBindings: nat.PortMap{},
		exposedPorts: nat.PortSet{},
	}

	i := 0
	next := func(flag string) (string, error) {
		i++
		if i >= len(cargs) {
			return "", fmt.Errorf("provider: %s requires a value", flag)
		}
		return cargs[i], nil
	}

	for ; i < len(cargs); i++ {
		arg := cargs[i]
		flag, value := arg, ""
		hasInline := false
		if eq := strings.IndexByte(arg, '='); eq >= 0 && strings.HasPrefix(arg, "--") {
			flag, value = arg[:eq], arg[eq+1:]
			hasInline = true
		}

		get := func() (string, error) {
			if hasInline {
				return value, nil
			}
			return next(flag)
		}

		switch flag {
		case "--device":
			v, err := get()
			if err != nil {
				return nil, err
			}
			dev, err := parseDevice(v)
			if err != nil {
				return nil, err
			}
			out.devices = append(out.devices, dev)
		case "-v", "--volume":
			v, err := get()
			if err != nil {
				return nil, err
			}
			if strings.Count(v, ":") < 1 {
				return nil, fmt.Errorf("provider: malformed volume %q", v)
			}
			out.binds = append(out.binds, v)
		case "-e", "--env":
			v, err := get()
			if err != nil {
				return nil, err
			}
			out.env = append(out.env, v)
		case "--network", "--net":
			v, err := get()
			if err != nil {
				return nil, err
			}
			out.networkMode = v
		case "--privileged":
			out.privileged = true
		case "-p", "--publish":
			v, err := get()
			if err != nil {
				return nil, err
			}
			if err := parsePublish(v, out); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("provider: unsupported cargs flag %q", arg)
		}
	}
	return out, nil
}

// parseDevice handles PATH, PATH:PATH, and PATH:PATH:PERMS forms.
func parseDevice(spec string) (container.DeviceMapping, error) {
	parts := strings.Split(spec, ":")
	dev := container.DeviceMapping{CgroupPermissions: "rwm"}
	switch len(parts) {
	case 1:
		dev.PathOnHost, dev.PathInContainer = parts[0], parts[0]
	case 2:
		dev.PathOnHost, dev.PathInContainer = parts[0], parts[1]
	case 3:
		dev.PathOnHost, dev.PathInContainer, dev.CgroupPermissions = parts[0], parts[1], parts[2]
	default:
		return dev, fmt.Errorf("provider: malformed device %q", spec)
	}
	if dev.PathOnHost == "" {
		return dev, fmt.Errorf("provider: malformed device %q", spec)
	}
	return dev, nil
}

// parsePublish handles HOST:CONTAINER and bare CONTAINER port specs.
func parsePublish(spec string, out *runArgs) error {
	hostPort, containerPort := "", spec
	if idx := strings.LastIndexByte(spec, ':'); idx >= 0 {
		hostPort, containerPort = spec[:idx], spec[idx+1:]
	}

	port, err := nat.NewPort("tcp", containerPort)
	if err != nil {
		return fmt.Errorf("provider: malformed port %q: %w", spec, err)
	}
	out.exposedPorts[port] = struct{}{}
	out.portBindings[port] = append(out.portBindings[port], nat.PortBinding{
		HostIP:   "",
		HostPort: hostPort,
	})
	return nil
}

// hostConfig assembles the container.HostConfig for these args.
func (a *runArgs) hostConfig() *container.HostConfig {
	hc := &container.HostConfig{
		Binds:        a.binds,
		Privileged:   a.privileged,
		PortBindings: a.portBindings,
		Resources: container.Resources{
			Devices: a.devices,
		},
	}
	if a.networkMode != "" {
		hc.NetworkMode = container.NetworkMode(a.networkMode)
	}
	return hc
}
