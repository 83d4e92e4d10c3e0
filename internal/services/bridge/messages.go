package bridgeservice

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/niczy/p4bridge/internal/models"
)

// Requests and responses travel as structpb.Struct. These types give them a
// fixed shape on both ends.

type PendingRequest struct {
	Summary bool `json:"summary,omitempty"`
}

type PendingChange struct {
	Change      int      `json:"change"`
	Submitted   bool     `json:"submitted"`
	Nodes       []string `json:"nodes"`
	Description string   `json:"description"`
	Client      string   `json:"client"`
	Files       []string `json:"files,omitempty"`
}

type PendingResponse struct {
	Changes []PendingChange `json:"changes"`
}

type IdentifyRequest struct {
	Rev        string `json:"rev,omitempty"`
	Base       bool   `json:"base,omitempty"`
	Changelist int    `json:"changelist,omitempty"`
}

type IdentifyResponse struct {
	Change int    `json:"change"`
	Node   string `json:"node"`
}

type IncomingRequest struct {
	Rev      int `json:"rev,omitempty"`
	StartRev int `json:"startrev,omitempty"`
}

type IncomingChange struct {
	Change  int       `json:"change"`
	User    string    `json:"user"`
	Time    time.Time `json:"time"`
	Summary string    `json:"summary"`
	Labels  []string  `json:"labels,omitempty"`
}

type IncomingResponse struct {
	Changes []IncomingChange `json:"changes"`
}

type OutgoingRequest struct {
	From  string `json:"from,omitempty"`
	Rev   string `json:"rev,omitempty"`
	Force bool   `json:"force,omitempty"`
	Patch bool   `json:"patch,omitempty"`
}

type OutgoingFile struct {
	Action string `json:"action"`
	Path   string `json:"path"`
}

type OutgoingResponse struct {
	Description string         `json:"description"`
	Nodes       []string       `json:"nodes"`
	Files       []OutgoingFile `json:"files"`
	Patch       string         `json:"patch,omitempty"`
}

type ListRunsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ListRunsResponse struct {
	Runs []*models.SyncRun `json:"runs"`
}

type PullRequest struct {
	Rev      int `json:"rev,omitempty"`
	StartRev int `json:"startrev,omitempty"`
}

type ImportedChange struct {
	Change int    `json:"change"`
	Node   string `json:"node"`
}

type PullResponse struct {
	Imported []ImportedChange  `json:"imported"`
	Head     string            `json:"head"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type PushRequest struct {
	From   string   `json:"from,omitempty"`
	Rev    string   `json:"rev,omitempty"`
	Force  bool     `json:"force,omitempty"`
	Submit bool     `json:"submit,omitempty"`
	Jobs   []string `json:"jobs,omitempty"`
}

type PushResponse struct {
	Change    int      `json:"change"`
	Submitted bool     `json:"submitted"`
	Nodes     []string `json:"nodes"`
}

type ChangesRequest struct {
	Changes []int `json:"changes,omitempty"`
	All     bool  `json:"all,omitempty"`
}

type SubmittedChange struct {
	Change    int `json:"change"`
	Submitted int `json:"submitted"`
}

type SubmitResponse struct {
	Submitted []SubmittedChange `json:"submitted"`
}

type RevertResponse struct {
	Reverted []int `json:"reverted"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

func nodeStrings(nodes []models.NodeID) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, string(n))
	}
	return out
}
