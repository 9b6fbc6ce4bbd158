package service

import (
	"github.com/quickhub/quickhub/internal/device"
	"github.com/quickhub/quickhub/internal/errcode"
)

// DeviceService exposes device provisioning and firmware updates as
// service calls.
type DeviceService struct {
	manager *Manager
	devices *device.Manager
	updates *device.UpdateLogic
}

func NewDeviceService(manager *Manager, devices *device.Manager, updates *device.UpdateLogic) *DeviceService {
	return &DeviceService{manager: manager, devices: devices, updates: updates}
}

func (s *DeviceService) Name() string { return "devices" }

func (s *DeviceService) Calls() []string {
	return []string{
		"hookWithShortID",
		"unhookWithShortID",
		"unhookWithMapping",
		"prepareMappingWithUUID",
		"checkForUpdates",
		"startUpdate",
	}
}

func (s *DeviceService) Call(call, token, cbID string, argument any) bool {
	args, _ := argument.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	str := func(key string) string {
		v, _ := args[key].(string)
		return v
	}

	switch call {
	case "checkForUpdates":
		mapping := str("mapping")
		// The version lookup hits the network, keep it off the socket
		// goroutine.
		go func() {
			s.manager.Respond(cbID, s.updates.CheckForUpdates(mapping))
		}()
		return true

	case "startUpdate":
		mapping := str("mapping")
		url := str("url")
		go func() {
			s.manager.Respond(cbID, s.updates.StartUpdate(token, mapping, url))
		}()
		return true

	case "hookWithShortID":
		shortID := str("shortID")
		mapping := str("mapping")
		force, _ := args["force"].(bool)
		if mapping == "" || shortID == "" {
			s.manager.Respond(cbID, invalidArguments())
			return true
		}
		errc := s.devices.SetDeviceMappingByShortID(token, mapping, shortID, force)
		s.manager.Respond(cbID, map[string]any{"errorcode": int(errc)})
		return true

	case "unhookWithShortID":
		shortID := str("shortID")
		if shortID == "" {
			s.manager.Respond(cbID, invalidArguments())
			return true
		}
		uuid := s.devices.UUIDForShortID(shortID)
		mapping := s.devices.MappingForUUID(uuid)
		errc := s.devices.SetDeviceMapping(token, mapping, "", true)
		s.manager.Respond(cbID, map[string]any{"errorcode": int(errc)})
		return true

	case "unhookWithMapping":
		mapping := str("mapping")
		if mapping == "" {
			s.manager.Respond(cbID, invalidArguments())
			return true
		}
		errc := s.devices.SetDeviceMapping(token, mapping, "", true)
		s.manager.Respond(cbID, map[string]any{"errorcode": int(errc)})
		return true

	case "prepareMappingWithUUID":
		mapping := str("mapping")
		uuid := str("uuid")
		if mapping == "" {
			s.manager.Respond(cbID, invalidArguments())
			return true
		}
		errc := s.devices.PrepareDeviceMapping(token, mapping, uuid)
		s.manager.Respond(cbID, map[string]any{"errorcode": int(errc)})
		return true
	}

	return false
}

func invalidArguments() map[string]any {
	return map[string]any{
		"errorcode":   int(errcode.InvalidData),
		"errorstring": "Invalid arguments",
	}
}
