package config

// DockerNetworkConfiguration defines the internal network all managed
// containers are attached to. Proxies reach backend servers over this network
// using the container name, never the public allocation.
type DockerNetworkConfiguration struct {
	// The interface that should be used to create the network. Must not
	// conflict with any other interfaces in use by Docker or on the system.
	Interface string `default:"172.18.0.1" json:"interface" yaml:"interface"`

	// The name of the network to use. If this network already exists it will
	// not be created. If it is not found, a new network will be created using
	// the interface defined.
	Name   string `default:"craftd_nw" yaml:"name"`
	Driver string `default:"bridge" yaml:"driver"`

	// The DNS settings for containers.
	Dns []string `default:"[\"1.1.1.1\", \"1.0.0.1\"]" yaml:"dns"`
}

// DockerConfiguration defines the docker configuration used by the daemon when
// interacting with containers and networks on the system.
type DockerConfiguration struct {
	// Network configuration that should be used when creating a new network
	// for containers run through the daemon.
	Network DockerNetworkConfiguration `json:"network" yaml:"network"`

	// The location of the Docker socket.
	Socket string `default:"/var/run/docker.sock" yaml:"socket"`

	// The size of the /tmp directory when mounted into a container. Please be
	// aware that Docker utilizes host memory for this value.
	TmpfsSize uint `default:"100" json:"tmpfs_size" yaml:"tmpfs_size"`

	// ContainerPidLimit sets the total number of processes that can be active
	// in a container at any given moment.
	ContainerPidLimit int64 `default:"512" json:"container_pid_limit" yaml:"container_pid_limit"`
}
