package services

import (
	"github.com/mbocsi/lorarelay/server"
)

// DeviceServiceImpl implements DeviceService
type DeviceServiceImpl struct {
	coord *server.Coordinator
}

// NewDeviceService creates a new device service
func NewDeviceService(coord *server.Coordinator) DeviceService {
	return &DeviceServiceImpl{
		coord: coord,
	}
}

// ListDevices returns every known device in registration order
func (ds *DeviceServiceImpl) ListDevices() ([]DeviceInfo, error) {
	now := ds.coord.Now()
	devices := ds.coord.Registry.List()
	result := make([]DeviceInfo, 0, len(devices))
	for _, device := range devices {
		info := convertDevice(device, ds.coord.Queue.Depth(device.Id))
		info.Reachable = isReachable(ds.coord, device, now)
		result = append(result, info)
	}
	return result, nil
}

// GetDevice returns a device by full id or compact token
func (ds *DeviceServiceImpl) GetDevice(id string) (*DeviceInfo, error) {
	resolved, err := resolveDevice(ds.coord, id)
	if err != nil {
		return nil, err
	}
	device, exists := ds.coord.Registry.Get(resolved)
	if !exists {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Device not found: " + id,
		}
	}

	info := convertDevice(device, ds.coord.Queue.Depth(device.Id))
	info.Reachable = isReachable(ds.coord, device, ds.coord.Now())
	return &info, nil
}

// IsDeviceReachable checks whether a device was heard within the reachability window
func (ds *DeviceServiceImpl) IsDeviceReachable(id string) (bool, error) {
	resolved, err := resolveDevice(ds.coord, id)
	if err != nil {
		if se, ok := err.(ServiceError); ok && se.Code == ErrCodeNotFound {
			return false, nil
		}
		return false, err
	}
	device, exists := ds.coord.Registry.Get(resolved)
	if !exists {
		return false, nil
	}
	return isReachable(ds.coord, device, ds.coord.Now()), nil
}
