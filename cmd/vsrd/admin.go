package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
)

var (
	// ReconfigCommands groups the membership changes
	ReconfigCommands = &cobra.Command{
		Use:               "reconfig",
		Short:             "Change the cluster membership through joint consensus",
		PersistentPreRunE: bindFlags,
	}

	reconfigAddCmd = &cobra.Command{
		Use:   "add [replica-id]",
		Short: "Add a replica, start it with --join first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseReplicaID(args[0])
			if err != nil {
				return err
			}
			return runReconfig(vsr.AddReplica(id))
		},
	}

	reconfigRemoveCmd = &cobra.Command{
		Use:   "remove [replica-id]",
		Short: "Remove a replica",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseReplicaID(args[0])
			if err != nil {
				return err
			}
			return runReconfig(vsr.RemoveReplica(id))
		},
	}

	reconfigReplaceCmd = &cobra.Command{
		Use:   "replace [old-id] [new-id]",
		Short: "Replace one replica with another in a single reconfiguration",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			old, err := parseReplicaID(args[0])
			if err != nil {
				return err
			}
			next, err := parseReplicaID(args[1])
			if err != nil {
				return err
			}
			return runReconfig(vsr.ReplaceReplica(old, next))
		},
	}

	// UpgradeCommands groups the version negotiation commands
	UpgradeCommands = &cobra.Command{
		Use:               "upgrade",
		Short:             "Negotiate protocol versions across the cluster",
		PersistentPreRunE: bindFlags,
	}

	upgradeProposeCmd = &cobra.Command{
		Use:   "propose [version]",
		Short: "Ask the leader to start an upgrade to version",
		Args:  cobra.ExactArgs(1),
		RunE:  versionAction(codec.ActionUpgrade),
	}

	upgradeAnnounceCmd = &cobra.Command{
		Use:   "announce [version]",
		Short: "Make the replica at --endpoint announce that it runs version",
		Args:  cobra.ExactArgs(1),
		RunE:  versionAction(codec.ActionAnnounce),
	}

	upgradeRollbackCmd = &cobra.Command{
		Use:   "rollback [version]",
		Short: "Move the replica at --endpoint back to version and cancel the upgrade",
		Args:  cobra.ExactArgs(1),
		RunE:  versionAction(codec.ActionRollback),
	}

	viewChangeCmd = &cobra.Command{
		Use:               "view-change",
		Short:             "Make the replica at --endpoint abandon its view",
		Args:              cobra.NoArgs,
		PersistentPreRunE: bindFlags,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runAdmin(codec.AdminRequest{Action: codec.ActionViewChange})
		},
	}
)

func init() {
	ReconfigCommands.AddCommand(reconfigAddCmd, reconfigRemoveCmd, reconfigReplaceCmd)
	UpgradeCommands.AddCommand(upgradeProposeCmd, upgradeAnnounceCmd, upgradeRollbackCmd)
	RootCmd.AddCommand(viewChangeCmd)

	setupClientFlags(ReconfigCommands)
	setupClientFlags(UpgradeCommands)
	setupClientFlags(viewChangeCmd)
}

func parseReplicaID(s string) (vsr.ReplicaID, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("replica id %q: %w", s, err)
	}
	return vsr.ReplicaID(id), nil
}

func runReconfig(cmd vsr.ReconfigCommand) error {
	return runAdmin(codec.AdminRequest{Action: codec.ActionReconfig, Reconfig: cmd})
}

func versionAction(action codec.AdminAction) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		v, err := vsr.ParseVersion(args[0])
		if err != nil {
			return err
		}
		return runAdmin(codec.AdminRequest{Action: action, Version: v})
	}
}

func runAdmin(req codec.AdminRequest) error {
	c, err := dialEndpoint()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := commandContext()
	defer cancel()
	resp, err := c.Admin(ctx, req)
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return fmt.Errorf("%s: %s (leader %s)", req.Action, resp.Err, resp.LeaderHint)
	}
	if req.Action == codec.ActionReconfig {
		fmt.Printf("%s accepted at op %d\n", req.Reconfig, resp.Op)
		return nil
	}
	fmt.Printf("%s accepted\n", req.Action)
	return nil
}
