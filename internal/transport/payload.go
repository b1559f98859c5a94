package transport

import (
	"encoding/json"

	"github.com/flux-framework/flux-broker-core/internal/reduce"
)

func topicPayload(topic string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Topic string `json:"topic"`
	}{Topic: topic})
	return data
}

func idsetPayload(idset *reduce.IDSet) (json.RawMessage, error) {
	return json.Marshal(struct {
		Idset string `json:"idset"`
	}{Idset: idset.Encode()})
}
