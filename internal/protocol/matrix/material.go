// ABOUTME: Credential material stored for a paired Matrix session
// ABOUTME: Serialized as JSON; malformed material is a client creation failure

package matrix

import (
	"encoding/json"
	"fmt"

	"github.com/2389/courier-gateway/internal/protocol"
)

type material struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

func (m material) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMaterial(data []byte) (material, error) {
	var m material
	if err := json.Unmarshal(data, &m); err != nil {
		return material{}, fmt.Errorf("%w: decoding matrix credentials: %v", protocol.ErrClientCreation, err)
	}
	if m.UserID == "" || m.AccessToken == "" {
		return material{}, fmt.Errorf("%w: matrix credentials missing user_id or access_token", protocol.ErrClientCreation)
	}
	return m, nil
}
