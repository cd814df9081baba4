package client

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_DialURL(t *testing.T) {
	raw, err := Options{
		URL:        "ws://relay.local:8080/ws",
		Token:      "tok",
		UserID:     "u1",
		Role:       RoleDevice,
		DeviceID:   "d1",
		DeviceName: "Living room",
		DeviceType: "thermostat",
	}.DialURL()
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/ws", u.Path)
	q := u.Query()
	assert.Equal(t, "tok", q.Get("token"))
	assert.Equal(t, "u1", q.Get("userId"))
	assert.Equal(t, "device", q.Get("role"))
	assert.Equal(t, "d1", q.Get("deviceId"))
	assert.Equal(t, "Living room", q.Get("deviceName"))
	assert.Equal(t, "thermostat", q.Get("deviceType"))
}

func TestOptions_DialURL_UserOmitsDeviceFields(t *testing.T) {
	raw, err := Options{URL: "ws://x/ws", Token: "tok", UserID: "u1", Role: RoleUser, DeviceID: "d1", BearerHeader: true}.DialURL()
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.False(t, q.Has("deviceId"))
	assert.False(t, q.Has("token"), "bearer tokens stay out of the URL")
	assert.Equal(t, "user", q.Get("role"))
}

func TestOptions_DialURL_Invalid(t *testing.T) {
	_, err := Options{URL: "://bad"}.DialURL()
	assert.Error(t, err)
}

func TestCloseCode(t *testing.T) {
	wrapped := fmt.Errorf("connection closed: %w", &websocket.CloseError{Code: 4409, Text: "superseded"})
	assert.Equal(t, 4409, CloseCode(wrapped))
	assert.Equal(t, -1, CloseCode(errors.New("eof")))
	assert.Equal(t, -1, CloseCode(nil))
}
