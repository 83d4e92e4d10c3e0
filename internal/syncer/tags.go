package syncer

import (
	"bufio"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/niczy/p4bridge/internal/host"
	"github.com/niczy/p4bridge/internal/models"
)

// TagsAuthor is the author of tag registry changesets.
const TagsAuthor = "p4bridge"

// ReadTags parses the tag registry at node. A missing registry is empty.
func ReadTags(ctx context.Context, repo host.Repository, node models.NodeID) (map[string]models.NodeID, error) {
	tags := make(map[string]models.NodeID)
	if node.IsNull() {
		return tags, nil
	}
	f, err := repo.ReadFile(ctx, node, host.TagsFile)
	if errors.Is(err, host.ErrFileNotFound) {
		return tags, nil
	}
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(strings.NewReader(string(f.Data)))
	for sc.Scan() {
		id, name, ok := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		if !ok || name == "" {
			continue
		}
		tags[name] = models.NodeID(id)
	}
	return tags, sc.Err()
}

// FormatTags renders the registry sorted by label.
func FormatTags(tags map[string]models.NodeID) []byte {
	names := make([]string, 0, len(tags))
	for n := range tags {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		b.WriteString(string(tags[n]))
		b.WriteByte(' ')
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// commitTags merges tags into the registry at parent and commits it on
// top of parent. Repositories with native tags are tagged as well.
func (e *Engine) commitTags(ctx context.Context, parent models.NodeID, tags map[string]models.NodeID) (models.NodeID, error) {
	all, err := ReadTags(ctx, e.repo, parent)
	if err != nil {
		return "", err
	}
	changed := false
	for name, node := range tags {
		if all[name] != node {
			all[name] = node
			changed = true
		}
	}
	if !changed {
		return parent, nil
	}

	var parents []models.NodeID
	if !parent.IsNull() {
		parents = []models.NodeID{parent}
	}
	node, err := e.repo.Commit(ctx, host.CommitRequest{
		Parents:     parents,
		Description: "p4 tags",
		Author:      TagsAuthor,
		Date:        time.Now(),
		Files:       []host.FileChange{{Path: host.TagsFile, Data: FormatTags(all)}},
	})
	if err != nil {
		return "", err
	}
	e.log.Info("updated tags", "labels", len(tags), "node", node.Short())

	if tg, ok := e.repo.(host.Tagger); ok {
		for name, n := range tags {
			if err := tg.SetTag(ctx, name, n); err != nil {
				return node, err
			}
		}
	}
	return node, nil
}
