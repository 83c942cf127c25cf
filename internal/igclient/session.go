package igclient

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// deviceIDs identify the emulated device. They must stay stable across logins of
// one account or the platform asks for a challenge.
type deviceIDs struct {
	PhoneID         string `json:"phone_id"`
	UUID            string `json:"uuid"`
	ClientSessionID string `json:"client_session_id"`
	AdvertisingID   string `json:"advertising_id"`
	AndroidDeviceID string `json:"android_device_id"`
}

func newDeviceIDs() deviceIDs {
	return deviceIDs{
		PhoneID:         uuid.NewString(),
		UUID:            uuid.NewString(),
		ClientSessionID: uuid.NewString(),
		AdvertisingID:   uuid.NewString(),
		AndroidDeviceID: "android-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}
}

type authData struct {
	DSUserID  string `json:"ds_user_id"`
	SessionID string `json:"sessionid"`
}

func (a authData) valid() bool { return a.DSUserID != "" && a.SessionID != "" }

// header renders the Bearer IGT:2 authorization value.
func (a authData) header() string {
	b, _ := json.Marshal(a)
	return "Bearer IGT:2:" + base64.StdEncoding.EncodeToString(b)
}

// parseAuthHeader decodes an ig-set-authorization value.
func parseAuthHeader(v string) (authData, error) {
	var a authData
	v = strings.TrimSpace(strings.TrimPrefix(v, "Bearer "))
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 || parts[0] != "IGT" {
		return a, fmt.Errorf("unexpected authorization %q", v)
	}
	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return a, err
	}
	err = json.Unmarshal(raw, &a)
	return a, err
}

// sessionBlob is the serialized login state.
type sessionBlob struct {
	UUIDs             deviceIDs         `json:"uuids"`
	AuthorizationData authData          `json:"authorization_data"`
	Cookies           map[string]string `json:"cookies,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	LastLogin         int64             `json:"last_login,omitempty"`
}

// decodeSession accepts a bare blob or one wrapped under "session_data".
func decodeSession(b []byte) (sessionBlob, error) {
	var s sessionBlob
	var wrapped struct {
		SessionData json.RawMessage `json:"session_data"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return s, fmt.Errorf("decode session: %w", err)
	}
	if len(wrapped.SessionData) > 0 {
		b = wrapped.SessionData
		// Some exports store the inner document as a JSON string.
		var inner string
		if json.Unmarshal(b, &inner) == nil {
			b = []byte(inner)
		}
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode session: %w", err)
	}
	if !s.AuthorizationData.valid() {
		if id, sid := s.Cookies["ds_user_id"], s.Cookies["sessionid"]; id != "" && sid != "" {
			s.AuthorizationData = authData{DSUserID: id, SessionID: sid}
		}
	}
	if !s.AuthorizationData.valid() {
		return s, errors.New("session has no authorization data")
	}
	if s.UUIDs.UUID == "" {
		s.UUIDs = newDeviceIDs()
	}
	return s, nil
}

func (s sessionBlob) encode() ([]byte, error) {
	if s.LastLogin == 0 {
		s.LastLogin = time.Now().Unix()
	}
	return json.Marshal(s)
}
