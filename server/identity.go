package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mbocsi/devrelay/proto"
)

var ErrMalformedRequest = errors.New("malformed connection request")

type Role string

const (
	RoleUser   Role = "user"
	RoleDevice Role = "device"
)

// Key identifies the single live connection slot a connection occupies.
// DeviceID is empty for the user role.
type Key struct {
	UserID   string
	Role     Role
	DeviceID string
}

func (k Key) String() string {
	if k.DeviceID == "" {
		return k.UserID + "/" + string(k.Role)
	}
	return k.UserID + "/" + string(k.Role) + "/" + k.DeviceID
}

// Identity is captured once at connection time and never changes for the
// connection's lifetime.
type Identity struct {
	UserID     string
	Role       Role
	DeviceID   string // device role only
	DeviceName string // device role only
	DeviceType string // device role only
}

func (id Identity) Key() Key {
	k := Key{UserID: id.UserID, Role: id.Role}
	if id.Role == RoleDevice {
		k.DeviceID = id.DeviceID
	}
	return k
}

// Topic is the bus topic shared by every connection of the same user.
func (id Identity) Topic() string {
	return id.UserID
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrMalformedRequest)
	}
	switch id.Role {
	case RoleUser:
		return nil
	case RoleDevice:
		var missing []string
		if strings.TrimSpace(id.DeviceID) == "" {
			missing = append(missing, "deviceId")
		}
		if strings.TrimSpace(id.DeviceName) == "" {
			missing = append(missing, "deviceName")
		}
		if strings.TrimSpace(id.DeviceType) == "" {
			missing = append(missing, "deviceType")
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: device connection missing %s", ErrMalformedRequest, strings.Join(missing, ", "))
		}
		return nil
	case "":
		return fmt.Errorf("%w: role is required", ErrMalformedRequest)
	default:
		return fmt.Errorf("%w: unknown role %q", ErrMalformedRequest, id.Role)
	}
}

// Handshake is everything a client presents when opening a connection.
type Handshake struct {
	Token      string
	Identity   Identity
	RemoteAddr string
}

// ParseHandshake reads connection parameters from the query string. The token may
// also come from an "Authorization: Bearer" header, which wins when both are set.
func ParseHandshake(r *http.Request) Handshake {
	q := r.URL.Query()
	hs := NewHandshake(proto.Hello{
		Token:      q.Get("token"),
		UserID:     q.Get("userId"),
		Role:       q.Get("role"),
		DeviceID:   q.Get("deviceId"),
		DeviceName: q.Get("deviceName"),
		DeviceType: q.Get("deviceType"),
	}, r.RemoteAddr)
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			hs.Token = strings.TrimSpace(token)
		}
	}
	return hs
}

// NewHandshake normalises transport-independent handshake parameters. Device
// fields are dropped for any role but device.
func NewHandshake(h proto.Hello, remoteAddr string) Handshake {
	hs := Handshake{
		Token: h.Token,
		Identity: Identity{
			UserID: h.UserID,
			Role:   Role(strings.ToLower(h.Role)),
		},
		RemoteAddr: remoteAddr,
	}
	if hs.Identity.Role == RoleDevice {
		hs.Identity.DeviceID = h.DeviceID
		hs.Identity.DeviceName = h.DeviceName
		hs.Identity.DeviceType = h.DeviceType
	}
	return hs
}
