package cbconfig

import (
	"bytes"
	"encoding/json"
)

// The server emits $HOST in place of its own hostname when it does not know
// the address the client reached it on.
var hostPlaceholder = []byte("$HOST")

// ParseTerseConfig decodes a terse bucket/cluster config, substituting the
// $HOST placeholder with the host the config was observed from.
func ParseTerseConfig(data []byte, sourceHost string) (*TerseConfigJson, error) {
	data = bytes.ReplaceAll(data, hostPlaceholder, []byte(sourceHost))

	var config TerseConfigJson
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	config.SourceHostname = sourceHost

	return &config, nil
}
