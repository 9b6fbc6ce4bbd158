package device

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quickhub/quickhub/internal/auth"
	"github.com/quickhub/quickhub/internal/logging"
)

// Firmware update check results.
const (
	UpdatePermissionDenied   = -3
	UpdateCheckFailed        = -2
	UpdateDeviceNotAvailable = -1
	UpdateUpToDate           = 0
	UpdateAvailable          = 1
	UpdateCommandSent        = 2
)

// UpdateLogic resolves firmware update information for device types. The
// lookup base URL points to a web server that serves
// <base>/<device type>/version.json with "version" and "url" fields.
type UpdateLogic struct {
	auth    *auth.Service
	manager *Manager
	client  *http.Client
	lookup  string
	log     zerolog.Logger
}

func NewUpdateLogic(authService *auth.Service, manager *Manager, lookupURL string) *UpdateLogic {
	return &UpdateLogic{
		auth:    authService,
		manager: manager,
		client:  &http.Client{Timeout: 10 * time.Second},
		lookup:  lookupURL,
		log:     logging.Component("firmware"),
	}
}

// CheckForUpdates compares the firmware version of the device behind the
// mapping with the published version.
func (u *UpdateLogic) CheckForUpdates(mapping string) map[string]any {
	handle := u.manager.HandleByUUID(u.manager.UUIDByMapping(mapping))
	if handle == nil {
		return map[string]any{"status": UpdateCheckFailed, "error": "Handle not found."}
	}

	info, err := u.fetchVersionInfo(handle.Type())
	if err != nil {
		u.log.Warn().Err(err).Str("type", handle.Type()).Msg("Firmware lookup failed")
		return map[string]any{"status": UpdateCheckFailed, "error": err.Error()}
	}

	current := handle.FirmwareVersion()
	if current < 0 {
		return map[string]any{
			"status": UpdateCheckFailed,
			"error":  "Handle is null or device doesn't support Firmware informations.",
		}
	}

	version, _ := info["version"].(string)
	published := ParseFirmwareVersion(version)
	answer := map[string]any{"info": info}
	if current < published {
		answer["status"] = UpdateAvailable
	} else {
		answer["status"] = UpdateUpToDate
	}
	return answer
}

// StartUpdate tells the device behind the mapping to flash the firmware at
// url. Admin only.
func (u *UpdateLogic) StartUpdate(token, mapping, url string) map[string]any {
	identity := u.auth.ValidateToken(token)
	if identity == nil || !identity.IsAuthorizedTo(auth.PermIsAdmin) {
		return map[string]any{"status": UpdatePermissionDenied, "error": "Permission denied!"}
	}

	handle := u.manager.HandleByUUID(u.manager.UUIDByMapping(mapping))
	if handle == nil || handle.State() != StateOnline {
		return map[string]any{"status": UpdateDeviceNotAvailable}
	}

	handle.StartFirmwareUpdate(map[string]any{"val": url})
	return map[string]any{"status": UpdateCommandSent}
}

func (u *UpdateLogic) fetchVersionInfo(deviceType string) (map[string]any, error) {
	if u.lookup == "" {
		return nil, fmt.Errorf("no firmware lookup URL configured")
	}
	url := strings.TrimSuffix(u.lookup, "/") + "/" + deviceType + "/version.json"
	resp, err := u.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("firmware lookup returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// ParseFirmwareVersion turns a "<major>.<minor>" string into a comparable
// integer (major*1000+minor). Unknown formats yield zero.
func ParseFirmwareVersion(version string) int {
	parts := strings.Split(version, ".")
	if len(parts) < 2 {
		return 0
	}
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	return major*1000 + minor
}
