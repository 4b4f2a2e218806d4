package system

var (
	// The current version of this software.
	Version = "develop"
)

const (
	// Lifecycle states tracked for a server instance. These mirror the values
	// persisted on the server record and reported out of the API.
	InstanceOfflineState   = "offline"
	InstanceStartingState  = "starting"
	InstanceOnlineState    = "online"
	InstanceCrashedState   = "crashed"
	InstanceUnhealthyState = "unhealthy"
	InstancePausedState    = "paused"
)
