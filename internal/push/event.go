// Package push keeps the long-lived event subscription for one client session and
// turns validated frames into Events.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relayarchive/internal/remote"
)

type EventType string

const (
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
	EventClientSync   EventType = "client_sync"
	// EventConnected is emitted locally after each successful (re)connect.
	EventConnected EventType = "connected"
)

type Event struct {
	Type           EventType      `json:"type"`
	JobID          string         `json:"jobId,omitempty"`
	URL            string         `json:"url,omitempty"`
	Platform       string         `json:"platform,omitempty"`
	Result         *remote.Result `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	QueueID        string         `json:"queueId,omitempty"`
	ArchiveID      string         `json:"archiveId,omitempty"`
	TargetClientID string         `json:"targetClientId,omitempty"`
}

type frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

const eventSchemaURL = "https://schemas.relayarchive.dev/push-event.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "data"],
  "properties": {
    "type": {"enum": ["job_completed", "job_failed", "client_sync"]},
    "data": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "job_completed"}}},
      "then": {"properties": {"data": {
        "required": ["jobId"],
        "properties": {
          "jobId": {"type": "string", "minLength": 1},
          "url": {"type": "string"},
          "platform": {"type": "string"},
          "result": {"type": "object"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "job_failed"}}},
      "then": {"properties": {"data": {
        "required": ["jobId"],
        "properties": {
          "jobId": {"type": "string", "minLength": 1},
          "error": {"type": "string"}
        }
      }}}
    },
    {
      "if": {"properties": {"type": {"const": "client_sync"}}},
      "then": {"properties": {"data": {
        "required": ["queueId", "archiveId", "targetClientId"],
        "properties": {
          "queueId": {"type": "string", "minLength": 1},
          "archiveId": {"type": "string", "minLength": 1},
          "targetClientId": {"type": "string"}
        }
      }}}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func frameSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(eventSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeFrame validates a raw websocket frame and returns the event it carries.
func DecodeFrame(data []byte) (Event, error) {
	schema, err := frameSchema()
	if err != nil {
		return Event{}, fmt.Errorf("compile push event schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return Event{}, fmt.Errorf("decode push frame: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("invalid push frame: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, fmt.Errorf("decode push frame: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(f.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode push event data: %w", err)
	}
	ev.Type = f.Type
	return ev, nil
}
