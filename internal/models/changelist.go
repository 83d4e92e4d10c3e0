package models

import (
	"fmt"
	"time"
)

// ChangelistStatus represents the lifecycle state of a remote changelist
type ChangelistStatus string

const (
	ChangelistPending   ChangelistStatus = "pending"
	ChangelistSubmitted ChangelistStatus = "submitted"
)

// Action is the local classification of a remote file action.
type Action string

const (
	ActionAdd    Action = "A"
	ActionModify Action = "M"
	ActionRemove Action = "R"
)

var remoteActions = map[string]Action{
	"add":         ActionAdd,
	"branch":      ActionAdd,
	"move/add":    ActionAdd,
	"import":      ActionAdd,
	"edit":        ActionModify,
	"integrate":   ActionModify,
	"delete":      ActionRemove,
	"move/delete": ActionRemove,
	"purge":       ActionRemove,
	"archive":     ActionRemove,
}

// ParseAction maps the server's action vocabulary onto Add/Modify/Remove.
func ParseAction(remote string) (Action, error) {
	if a, ok := remoteActions[remote]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown p4 file action %q", remote)
}

// FileEntry is one file of a changelist.
type FileEntry struct {
	DepotPath string
	Revision  int
	Type      string
	Action    Action
	LocalPath string
}

// Job is a job attached to a changelist.
type Job struct {
	Name   string
	Status string
}

// ChangeList represents a numbered remote unit of work.
type ChangeList struct {
	ID          int
	Description string
	Status      ChangelistStatus
	User        string
	Client      string
	Time        time.Time
	Jobs        []Job
	Files       []FileEntry
}

// Submitted reports whether the changelist has been submitted.
func (c *ChangeList) Submitted() bool { return c.Status == ChangelistSubmitted }

// Summary returns the first line of the description.
func (c *ChangeList) Summary() string { return FirstLine(c.Description) }

// FirstLine returns the first line of s.
func FirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
