package realtime

import (
	"encoding/json"
	"fmt"
)

// Phoenix channel events used by the realtime service.
const (
	eventJoin            = "phx_join"
	eventLeave           = "phx_leave"
	eventReply           = "phx_reply"
	eventError           = "phx_error"
	eventClose           = "phx_close"
	eventHeartbeat       = "heartbeat"
	eventAccessToken     = "access_token"
	eventPostgresChanges = "postgres_changes"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

// envelope is the wire frame of the Phoenix v1 JSON serializer.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Filter selects the row changes a subscription receives.
type Filter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (f Filter) withDefaults() Filter {
	if f.Event == "" {
		f.Event = "*"
	}
	if f.Schema == "" {
		f.Schema = "public"
	}
	return f
}

type joinConfig struct {
	Broadcast       map[string]bool   `json:"broadcast"`
	Presence        map[string]string `json:"presence"`
	PostgresChanges []Filter          `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func newJoinPayload(f Filter, token string) joinPayload {
	return joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]bool{"self": false},
			Presence:        map[string]string{"key": ""},
			PostgresChanges: []Filter{f},
		},
		AccessToken: token,
	}
}

// Change is a row change pushed by the realtime service.
type Change struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp string          `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
}

// Decode unmarshals the new row into v.
func (c Change) Decode(v any) error {
	if len(c.Record) == 0 {
		return fmt.Errorf("realtime: %s change on %s carries no record", c.Type, c.Table)
	}
	return json.Unmarshal(c.Record, v)
}

type changesPayload struct {
	Data Change `json:"data"`
}
