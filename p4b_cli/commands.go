package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/niczy/p4bridge/internal/bridge"
	"github.com/niczy/p4bridge/internal/config"
	bridgeservice "github.com/niczy/p4bridge/internal/services/bridge"
	"github.com/niczy/p4bridge/internal/syncer"
)

func newRootCmd(cli *CLI) *cobra.Command {
	root := &cobra.Command{
		Use:           "p4b",
		Short:         "p4b - exchange changesets between git and Perforce",
		Long:          `p4b imports submitted Perforce changelists as git commits and exports local commits as pending changelists.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&cli.repoDir, "repo", "R", ".", "local repository")
	pf.StringVarP(&cli.location, "location", "L", "", "p4://server/client location; defaults to the configured one")
	pf.StringVar(&cli.service, "service", "", "address of a bridge service to run the command on")
	pf.StringVar(&cli.redisAddr, "redis", "", "Redis address of the run journal for local commands")
	pf.DurationVar(&cli.timeout, "timeout", 0, "abort the command after this long")
	pf.BoolVarP(&cli.verbose, "verbose", "v", false, "print full hashes and progress")
	pf.BoolVar(&cli.debug, "debug", false, "log every p4 command")

	root.AddCommand(
		newCloneCmd(cli),
		newPullCmd(cli),
		newIncomingCmd(cli),
		newPushCmd(cli),
		newOutgoingCmd(cli),
		newPendingCmd(cli),
		newIdentifyCmd(cli),
		newSubmitCmd(cli),
		newRevertCmd(cli),
		newRunsCmd(cli),
	)
	return root
}

func newCloneCmd(cli *CLI) *cobra.Command {
	var opts syncer.PullOptions
	cmd := &cobra.Command{
		Use:   "clone <p4://server/client> [dest]",
		Short: "Create a repository from a Perforce client",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cli.context()
			defer cancel()
			var res *syncer.Result
			co := bridge.CloneOptions{Location: args[0], Pull: opts}
			if len(args) > 1 {
				co.Dest = args[1]
			}
			cfg, err := cli.collaborators(config.Default())
			if err != nil {
				return err
			}
			if _, res, err = bridge.Clone(ctx, cli.opener, co, cfg); err != nil {
				return err
			}
			imported := make([]bridgeservice.ImportedChange, 0, len(res.Imported))
			for _, im := range res.Imported {
				imported = append(imported, bridgeservice.ImportedChange{Change: im.Change, Node: string(im.Node)})
			}
			printImported(cli, imported)
			return nil
		},
	}
	cmd.Flags().IntVarP(&opts.Rev, "rev", "r", 0, "import changelists up to this one")
	cmd.Flags().IntVar(&opts.StartRev, "startrev", 0, "first changelist to import; -N imports the last N")
	return cmd
}

func newPullCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.PullRequest
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Import submitted changelists newer than the last imported one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Pull(ctx, req)
			if err != nil {
				return err
			}
			printImported(cli, resp.Imported)
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.Rev, "rev", "r", 0, "import changelists up to this one")
	cmd.Flags().IntVar(&req.StartRev, "startrev", 0, "first changelist to import into an empty repository; -N imports the last N")
	return cmd
}

func newIncomingCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.IncomingRequest
	cmd := &cobra.Command{
		Use:   "incoming",
		Short: "Show changelists a pull would import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Incoming(ctx, req)
			if err != nil {
				return err
			}
			printIncoming(cli, resp.Changes)
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.Rev, "rev", "r", 0, "show changelists up to this one")
	cmd.Flags().IntVar(&req.StartRev, "startrev", 0, "first changelist to list for an empty repository; -N lists the last N")
	return cmd
}

func newPushCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.PushRequest
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Export local commits as a pending changelist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Push(ctx, req)
			if err != nil {
				return err
			}
			switch {
			case resp.Change == 0:
				fmt.Fprintln(cli.out, "no changes found")
			case resp.Submitted:
				fmt.Fprintf(cli.out, "submitted changelist %d\n", resp.Change)
			default:
				fmt.Fprintf(cli.out, "pending changelist %d\n", resp.Change)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.From, "from", "", "first commit of the range; defaults to the one after the last imported")
	f.StringVarP(&req.Rev, "rev", "r", "", "last commit of the range; defaults to HEAD")
	f.BoolVarP(&req.Force, "force", "f", false, "export commits already pending or submitted")
	f.BoolVarP(&req.Submit, "submit", "s", false, "submit the changelist after creating it")
	f.StringSliceVarP(&req.Jobs, "job", "j", nil, "attach a job to the changelist")
	return cmd
}

func newOutgoingCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.OutgoingRequest
	cmd := &cobra.Command{
		Use:   "outgoing",
		Short: "Show what a push would export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Outgoing(ctx, req)
			if err != nil {
				return err
			}
			printOutgoing(cli, resp)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.From, "from", "", "first commit of the range")
	f.StringVarP(&req.Rev, "rev", "r", "", "last commit of the range")
	f.BoolVarP(&req.Force, "force", "f", false, "include commits already pending or submitted")
	f.BoolVarP(&req.Patch, "patch", "p", false, "show the unified diff")
	return cmd
}

func newPendingCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.PendingRequest
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Report changelists already pushed and pending for submit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			// files are only shown verbosely
			resp, err := client.Pending(ctx, bridgeservice.PendingRequest{Summary: req.Summary && cli.verbose})
			if err != nil {
				return err
			}
			printPending(cli, resp.Changes, req.Summary)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&req.Summary, "summary", "s", false, "print a summary of each changelist")
	return cmd
}

func newIdentifyCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.IdentifyRequest
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Show the changelist and commit of the most recent import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Identify(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cli.out, "%d %s\n", resp.Change, cli.node(resp.Node))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Rev, "rev", "r", "", "report the changelist this commit was imported from")
	f.BoolVarP(&req.Base, "base", "b", false, "skip over commits that only carry metadata")
	f.IntVarP(&req.Changelist, "changelist", "c", 0, "find the commit of this changelist")
	return cmd
}

func newSubmitCmd(cli *CLI) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "submit [changelist...]",
		Short: "Submit pending changelists",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseChanges(args)
			if err != nil {
				return err
			}
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Submit(ctx, bridgeservice.ChangesRequest{Changes: ids, All: all})
			if err != nil {
				return err
			}
			for _, s := range resp.Submitted {
				fmt.Fprintf(cli.out, "submitting: %d\n", s.Change)
				if s.Submitted != s.Change {
					fmt.Fprintf(cli.out, "submitted as: %d\n", s.Submitted)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "submit every pending changelist")
	return cmd
}

func newRevertCmd(cli *CLI) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "revert [changelist...]",
		Short: "Revert pending changelists and their opened files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseChanges(args)
			if err != nil {
				return err
			}
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.Revert(ctx, bridgeservice.ChangesRequest{Changes: ids, All: all})
			if err != nil {
				return err
			}
			for _, id := range resp.Reverted {
				fmt.Fprintf(cli.out, "reverting: %d\n", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "revert every pending changelist")
	return cmd
}

func newRunsCmd(cli *CLI) *cobra.Command {
	var req bridgeservice.ListRunsRequest
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled pull and push runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.client()
			if err != nil {
				return err
			}
			ctx, cancel := cli.context()
			defer cancel()
			resp, err := client.ListRuns(ctx, req)
			if err != nil {
				return err
			}
			return printRuns(cli, resp.Runs)
		},
	}
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 20, "show at most this many runs")
	return cmd
}

func parseChanges(args []string) ([]int, error) {
	var ids []int
	for _, a := range args {
		id, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("changelist must be a number, got %q", a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
