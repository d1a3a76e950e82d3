package main

import (
	"log/slog"
	"os"

	"github.com/CZERTAINLY/Hopper/internal/jobs"
	"github.com/CZERTAINLY/Hopper/internal/log"
	"github.com/CZERTAINLY/Hopper/internal/model"
	"github.com/CZERTAINLY/Hopper/internal/remote"

	"github.com/spf13/cobra"
)

// jobCmd is the entry point the scheduler or the broker launches. It may run
// under a principal with no access to the caller's config, so it reads
// everything from the job store and logs to stderr.
var jobCmd = &cobra.Command{
	Use:                jobs.EntryCommand + " --store PATH --name JOB",
	Short:              "runs a registered job",
	Hidden:             true,
	DisableFlagParsing: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return setupLog(model.LogStderr, false)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", jobs.EntryCommand), slog.Int("pid", os.Getpid()))
		return jobs.RunEntryPoint(ctx, args)
	},
}

// remoteCmd serves a single request read from stdin, as sent by the ssh
// transport of a fan-out.
var remoteCmd = &cobra.Command{
	Use:    remote.Command,
	Short:  "runs a request received over ssh",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.String("cmd", remote.Command), slog.Int("pid", os.Getpid()))
		// a broken local setup is reported in the response
		b := &lazyBroker{ctx: ctx}
		defer b.close()
		return remote.Serve(ctx, os.Stdin, cmd.OutOrStdout(), b)
	},
}
