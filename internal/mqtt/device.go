package mqtt

import "github.com/nugget/aichemy-agent/internal/buildinfo"

// DeviceInfo describes this gateway instance. It is published
// (retained) to <prefix>/device on every broker (re-)connect so
// consumers can tell which build is producing the activity stream.
type DeviceInfo struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Model      string `json:"model"`
	SWVersion  string `json:"sw_version"`
	Activity   string `json:"activity_topic"`
}

// NewDeviceInfo creates a DeviceInfo from the instance ID, the
// human-readable device name and the topic prefix.
func NewDeviceInfo(instanceID, deviceName, prefix string) DeviceInfo {
	return DeviceInfo{
		InstanceID: instanceID,
		Name:       deviceName,
		Model:      "AiChemy Agent Gateway",
		SWVersion:  buildinfo.Version,
		Activity:   prefix + "/sessions/+/activity",
	}
}
