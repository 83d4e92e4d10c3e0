// Package classify turns a local diff into the file operations a
// changelist is built from.
package classify

import (
	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// Support lists the history-preserving commands the server offers.
type Support struct {
	Move bool
	Copy bool
}

// Op opens Path from Source.
type Op struct {
	Path   string
	Source string
	Mode   models.FileMode
}

// Plan is a classified diff. Every list keeps the order of the input.
type Plan struct {
	Add       []models.PathMode
	Modify    []models.PathMode
	Remove    []models.PathMode
	Move      []Op
	Copy      []Op
	Integrate []Op
	// ModifyAfter lists move, copy and integrate destinations whose content
	// also changed and must be edited afterwards.
	ModifyAfter []models.PathMode
}

// Empty reports whether the plan has no operations.
func (p *Plan) Empty() bool {
	return len(p.Add)+len(p.Modify)+len(p.Remove)+len(p.Move)+len(p.Copy)+len(p.Integrate) == 0
}

// Classify assigns each added file with a known source to a move, copy or
// integrate. A move consumes its source's removal, so each removed source
// moves at most once.
func Classify(d *host.Diff, s Support) Plan {
	removed := make(map[string]bool, len(d.Removed))
	for _, r := range d.Removed {
		removed[r.Path] = true
	}
	consumed := make(map[string]bool)

	p := Plan{Modify: append([]models.PathMode(nil), d.Modified...)}
	for _, a := range d.Added {
		src, ok := d.Copies[a.Path]
		if !ok {
			p.Add = append(p.Add, a)
			continue
		}
		op := Op{Path: a.Path, Source: src.Source, Mode: a.Mode}
		switch {
		case s.Move && removed[src.Source] && !consumed[src.Source]:
			consumed[src.Source] = true
			p.Move = append(p.Move, op)
		case s.Copy:
			p.Copy = append(p.Copy, op)
		default:
			p.Integrate = append(p.Integrate, op)
		}
		if src.Changed {
			p.ModifyAfter = append(p.ModifyAfter, a)
		}
	}
	for _, r := range d.Removed {
		if !consumed[r.Path] {
			p.Remove = append(p.Remove, r)
		}
	}
	return p
}
