package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/niczy/p4bridge/internal/models"
	bridgeservice "github.com/niczy/p4bridge/internal/services/bridge"
)

const dateLayout = "Mon Jan 02 15:04:05 2006 -0700"

// node renders a commit hash, abbreviated unless verbose.
func (c *CLI) node(n string) string {
	if c.verbose {
		return n
	}
	return models.NodeID(n).Short()
}

func printImported(cli *CLI, imported []bridgeservice.ImportedChange) {
	if len(imported) == 0 {
		fmt.Fprintln(cli.out, "no changes found")
		return
	}
	for _, im := range imported {
		fmt.Fprintf(cli.out, "changelist %d -> %s\n", im.Change, cli.node(im.Node))
	}
}

func printIncoming(cli *CLI, changes []bridgeservice.IncomingChange) {
	if len(changes) == 0 {
		fmt.Fprintln(cli.out, "no changes found")
		return
	}
	for _, c := range changes {
		fmt.Fprintf(cli.out, "changelist:  %d\n", c.Change)
		for _, l := range c.Labels {
			fmt.Fprintf(cli.out, "tag:         %s\n", l)
		}
		fmt.Fprintf(cli.out, "user:        %s\n", c.User)
		fmt.Fprintf(cli.out, "date:        %s\n", c.Time.Format(dateLayout))
		fmt.Fprintf(cli.out, "summary:     %s\n\n", c.Summary)
	}
}

func printOutgoing(cli *CLI, out *bridgeservice.OutgoingResponse) {
	if len(out.Nodes) == 0 {
		fmt.Fprintln(cli.out, "no changes found")
		return
	}
	for _, n := range out.Nodes {
		fmt.Fprintln(cli.out, n)
	}
	fmt.Fprint(cli.out, out.Description)
	fmt.Fprint(cli.out, "\naffected files:\n")
	for _, f := range out.Files {
		fmt.Fprintf(cli.out, "%s %s\n", f.Action, f.Path)
	}
	fmt.Fprintln(cli.out)
	if out.Patch != "" {
		fmt.Fprint(cli.out, out.Patch)
	}
}

func printPending(cli *CLI, changes []bridgeservice.PendingChange, summary bool) {
	width := 0
	for _, c := range changes {
		if w := len(strconv.Itoa(c.Change)); w > width {
			width = w
		}
	}
	for _, c := range changes {
		if !summary {
			fields := []string{fmt.Sprintf("%-*d", width, c.Change), "p"}
			if c.Submitted {
				fields[1] = "s"
			}
			for _, n := range c.Nodes {
				fields = append(fields, cli.node(n))
			}
			fmt.Fprintln(cli.out, strings.Join(fields, " "))
			continue
		}

		fmt.Fprintf(cli.out, "changelist:  %d\n", c.Change)
		if cli.verbose {
			fmt.Fprintf(cli.out, "client:      %s\n", c.Client)
		}
		status := "pending"
		if c.Submitted {
			status = "submitted"
		}
		fmt.Fprintf(cli.out, "status:      %s\n", status)
		for _, n := range c.Nodes {
			fmt.Fprintf(cli.out, "revision:    %s\n", cli.node(n))
		}
		if cli.verbose {
			fmt.Fprintf(cli.out, "files:       %s\n", strings.Join(c.Files, " "))
			fmt.Fprintf(cli.out, "description:\n%s\n", c.Description)
		} else {
			first, _, _ := strings.Cut(c.Description, "\n")
			fmt.Fprintf(cli.out, "summary:     %s\n", first)
		}
		fmt.Fprintln(cli.out)
	}
}

func printRuns(cli *CLI, runs []*models.SyncRun) error {
	if len(runs) == 0 {
		fmt.Fprintln(cli.out, "no runs recorded")
		return nil
	}
	w := tabwriter.NewWriter(cli.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLIENT\tDIRECTION\tSTATUS\tCHANGELISTS\tSTARTED")
	for _, r := range runs {
		ids := make([]string, 0, len(r.Changelists))
		for _, c := range r.Changelists {
			ids = append(ids, strconv.Itoa(c))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Client, r.Direction, r.Status,
			strings.Join(ids, ","), r.StartedAt.Local().Format(dateLayout))
		if r.Error != "" && cli.verbose {
			fmt.Fprintf(w, "\t\terror: %s\t\t\t\n", r.Error)
		}
	}
	return w.Flush()
}
