package p4test

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/niczy/p4bridge/internal/p4"
)

// Opened is a file opened in a changelist.
type Opened struct {
	Action string
	Path   string
}

// Change is a changelist held by a Changes store.
type Change struct {
	ID          int
	Description string
	Status      string
	Client      string
	User        string
	Jobs        []string
	Files       []Opened
}

// Changes is a stateful changelist store. It answers change, changes,
// describe, submit, revert and the file opening commands, enough to drive
// a push end to end.
type Changes struct {
	mu     sync.Mutex
	client string
	next   int
	lists  map[int]*Change
}

var openActions = map[string]string{
	"add":       "add",
	"edit":      "edit",
	"delete":    "delete",
	"copy":      "branch",
	"integrate": "integrate",
	"move":      "move/add",
}

// InstallChanges registers a store on s for client. New changelists are
// numbered from next.
func (s *Server) InstallChanges(client string, next int) *Changes {
	c := &Changes{client: client, next: next, lists: make(map[int]*Change)}
	s.Handle("change", c.change)
	s.Handle("changes", c.changes)
	s.Handle("describe", c.describe)
	s.Handle("submit", c.submit)
	s.Handle("revert", c.revert)
	s.Handle("fix", func(Call) ([]p4.Record, error) { return nil, nil })
	s.Handle("sync", echoFiles)
	s.Handle("help", func(call Call) ([]p4.Record, error) {
		return []p4.Record{Info(call.Args[0] + " -- supported")}, nil
	})
	for cmd := range openActions {
		cmd := cmd
		s.Handle(cmd, func(call Call) ([]p4.Record, error) { return c.open(cmd, call) })
	}
	return c
}

// Add stores a changelist directly, e.g. one submitted earlier.
func (c *Changes) Add(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.Client == "" {
		ch.Client = c.client
	}
	if ch.User == "" {
		ch.User = "tester"
	}
	c.lists[ch.ID] = &ch
	if ch.ID >= c.next {
		c.next = ch.ID + 1
	}
}

// Get returns a copy of changelist id.
func (c *Changes) Get(id int) (Change, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.lists[id]
	if !ok {
		return Change{}, false
	}
	out := *ch
	out.Files = append([]Opened(nil), ch.Files...)
	return out, true
}

// IDs returns the ids of every stored changelist in ascending order.
func (c *Changes) IDs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int
	for id := range c.lists {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (c *Changes) change(call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case len(call.Args) > 0 && call.Args[0] == "-o":
		if len(call.Args) > 1 {
			id, _ := strconv.Atoi(call.Args[1])
			ch, ok := c.lists[id]
			if !ok {
				return []p4.Record{Error(fmt.Sprintf("Change %d unknown.", id), p4.SeverityFailed, 0)}, nil
			}
			return []p4.Record{Stat("Change", strconv.Itoa(id), "Client", ch.Client, "Status", ch.Status, "Description", ch.Description)}, nil
		}
		return []p4.Record{Stat("Change", "new", "Client", c.client, "Status", "new", "Description", "<enter description here>\n")}, nil

	case len(call.Args) > 0 && call.Args[0] == "-i":
		in := call.Input
		if in.Get("Change") == "new" {
			id := c.next
			c.next++
			c.lists[id] = &Change{ID: id, Description: in.Get("Description"), Status: "pending", Client: c.client, User: "tester", Jobs: in.Indexed("Jobs")}
			return []p4.Record{Info(fmt.Sprintf("Change %d created.", id))}, nil
		}
		id, _ := strconv.Atoi(in.Get("Change"))
		ch, ok := c.lists[id]
		if !ok {
			return []p4.Record{Error(fmt.Sprintf("Change %d unknown.", id), p4.SeverityFailed, 0)}, nil
		}
		ch.Description = in.Get("Description")
		if jobs := in.Indexed("Jobs"); len(jobs) > 0 {
			ch.Jobs = jobs
		}
		return []p4.Record{Info(fmt.Sprintf("Change %d updated.", id))}, nil

	case len(call.Args) > 1 && call.Args[0] == "-d":
		id, _ := strconv.Atoi(call.Args[1])
		delete(c.lists, id)
		return []p4.Record{Info(fmt.Sprintf("Change %d deleted.", id))}, nil
	}
	return []p4.Record{Error("unsupported change invocation", p4.SeverityFailed, 0)}, nil
}

func (c *Changes) changes(call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := ""
	for i, a := range call.Args {
		if a == "-s" && i+1 < len(call.Args) {
			status = call.Args[i+1]
		}
	}
	var ids []int
	for id, ch := range c.lists {
		if status == "" || ch.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	var out []p4.Record
	for _, id := range ids {
		out = append(out, c.record(c.lists[id], false))
	}
	return out, nil
}

func (c *Changes) record(ch *Change, files bool) p4.Record {
	rec := Stat("change", strconv.Itoa(ch.ID), "desc", ch.Description, "status", ch.Status,
		"client", ch.Client, "user", ch.User, "time", "1700000000")
	if files {
		for i, f := range ch.Files {
			idx := strconv.Itoa(i)
			rec["depotFile"+idx] = f.Path
			rec["rev"+idx] = "1"
			rec["type"+idx] = "text"
			rec["action"+idx] = f.Action
		}
		for i, j := range ch.Jobs {
			rec["job"+strconv.Itoa(i)] = j
			rec["jobstat"+strconv.Itoa(i)] = "open"
		}
	}
	return rec
}

func (c *Changes) describe(call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := strconv.Atoi(call.Args[len(call.Args)-1])
	ch, ok := c.lists[id]
	if !ok {
		return []p4.Record{Error(fmt.Sprintf("Change %d unknown.", id), p4.SeverityFailed, 0)}, nil
	}
	return []p4.Record{c.record(ch, true)}, nil
}

func (c *Changes) submit(call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := strconv.Atoi(call.Args[len(call.Args)-1])
	ch, ok := c.lists[id]
	if !ok || ch.Status != "pending" {
		return []p4.Record{Error(fmt.Sprintf("Change %d unknown.", id), p4.SeverityFailed, 0)}, nil
	}
	ch.Status = "submitted"
	return []p4.Record{Stat("change", strconv.Itoa(id), "openFiles", strconv.Itoa(len(ch.Files))), Stat("submittedChange", strconv.Itoa(id))}, nil
}

func (c *Changes) revert(call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var target *Change
	var files []string
	for i := 0; i < len(call.Args); i++ {
		switch a := call.Args[i]; {
		case a == "-c" && i+1 < len(call.Args):
			id, _ := strconv.Atoi(call.Args[i+1])
			target = c.lists[id]
			i++
		case strings.HasPrefix(a, "-"):
		default:
			files = append(files, a)
		}
	}
	var out []p4.Record
	for _, ch := range c.lists {
		if target != nil && ch != target {
			continue
		}
		kept := ch.Files[:0]
		for _, f := range ch.Files {
			if target != nil || contains(files, f.Path) {
				out = append(out, Stat("depotFile", f.Path, "action", "reverted"))
				continue
			}
			kept = append(kept, f)
		}
		ch.Files = kept
	}
	if len(out) == 0 {
		out = append(out, Error("file(s) not opened on this client.", p4.SeverityWarn, p4.GenericEmpty))
	}
	return out, nil
}

func (c *Changes) open(cmd string, call Call) ([]p4.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ch *Change
	var files []string
	for i := 0; i < len(call.Args); i++ {
		switch a := call.Args[i]; {
		case a == "-c" && i+1 < len(call.Args):
			id, _ := strconv.Atoi(call.Args[i+1])
			ch = c.lists[id]
			i++
		case a == "-t" && cmd != "integrate" && i+1 < len(call.Args):
			i++
		case strings.HasPrefix(a, "-"):
		default:
			files = append(files, a)
		}
	}
	if ch == nil {
		return []p4.Record{Error("no such changelist", p4.SeverityFailed, 0)}, nil
	}
	// copy, integrate and move name a source first
	if cmd == "copy" || cmd == "integrate" || cmd == "move" {
		if len(files) != 2 {
			return []p4.Record{Error("expected source and target", p4.SeverityFailed, 0)}, nil
		}
		if cmd == "move" {
			for i, f := range ch.Files {
				if f.Path == files[0] {
					ch.Files[i].Action = "move/delete"
				}
			}
		}
		files = files[1:]
	}
	var out []p4.Record
	for _, f := range files {
		ch.Files = append(ch.Files, Opened{Action: openActions[cmd], Path: f})
		out = append(out, Stat("depotFile", f, "action", openActions[cmd]))
	}
	return out, nil
}

func echoFiles(call Call) ([]p4.Record, error) {
	var out []p4.Record
	for _, a := range call.Args {
		if !strings.HasPrefix(a, "-") {
			out = append(out, Stat("depotFile", a))
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
