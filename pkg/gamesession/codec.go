package gamesession

import (
	"bytes"
	"encoding/json"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

const registryVersion = 1

type registryDocument struct {
	Version  int       `json:"version"`
	Sessions []Session `json:"sessions"`
}

func encodeRegistry(sessions []Session) ([]byte, error) {
	if sessions == nil {
		sessions = []Session{}
	}
	return json.Marshal(&registryDocument{Version: registryVersion, Sessions: sessions})
}

// decodeRegistry also accepts a bare JSON array of sessions, the layout older
// clients kept in browser local storage.
func decodeRegistry(data []byte) ([]Session, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var sessions []Session
		if err := json.Unmarshal(data, &sessions); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal legacy session list")
		}
		return sessions, nil
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal session registry")
	}
	if doc.Version != registryVersion {
		return nil, errors.Errorf("unsupported session registry version: %d", doc.Version)
	}
	return doc.Sessions, nil
}

// EncodeYAML renders sessions for human consumption, e.g. `monopolymoney list -o yaml`.
func EncodeYAML(sessions []Session) ([]byte, error) {
	return yaml.Marshal(sessions)
}
