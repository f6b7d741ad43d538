package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/codec"
	"vsr-engine/internal/vsr/server"
)

var (
	submitCmd = &cobra.Command{
		Use:               "submit [command]",
		Short:             "Submit a command to the replicated key-value store",
		Long:              `Submit a command (SET key=value, GET key, DEL key) and wait until it committed. Retrying with the same --client-id and --request returns the cached reply.`,
		Args:              cobra.MinimumNArgs(1),
		PersistentPreRunE: bindFlags,
		RunE:              runSubmit,
	}

	statusCmd = &cobra.Command{
		Use:               "status",
		Short:             "Print the state of a replica",
		Args:              cobra.NoArgs,
		PersistentPreRunE: bindFlags,
		RunE:              runStatus,
	}
)

func init() {
	setupClientFlags(submitCmd)
	setupClientFlags(statusCmd)

	submitCmd.Flags().String("client-id", "", WrapString("Client session id, a random one when empty"))
	submitCmd.Flags().Uint64("request", 1, WrapString("Request number within the client session"))
}

func runSubmit(_ *cobra.Command, args []string) error {
	clientID := viper.GetString("client-id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	req := vsr.Request{
		Client:  vsr.ClientMetadata{ClientID: clientID, RequestNumber: viper.GetUint64("request")},
		Command: vsr.DataCommand([]byte(strings.Join(args, " "))),
	}

	ctx, cancel := commandContext()
	defer cancel()

	var (
		reply vsr.Reply
		err   error
	)
	if members := viper.GetString("members"); members != "" {
		peers, perr := server.ParsePeers(members)
		if perr != nil {
			return perr
		}
		cc := server.NewClusterClient(peers)
		defer cc.Close()
		reply, err = cc.Submit(ctx, req)
	} else {
		c, derr := dialEndpoint()
		if derr != nil {
			return derr
		}
		defer c.Close()
		reply, err = c.Submit(ctx, req)
	}
	if err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("%s (view %d, leader %s)", reply.Err, reply.View, reply.LeaderHint)
	}
	fmt.Printf("op %d committed in view %d\n", reply.Op, reply.View)
	if len(reply.Result) > 0 {
		fmt.Printf("%s\n", reply.Result)
	}
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	c, err := dialEndpoint()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := commandContext()
	defer cancel()
	s, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(s)
	return nil
}

func printStatus(s codec.StatusResponse) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "replica\t%s\n", s.Replica)
	fmt.Fprintf(w, "status\t%s (%s)\n", s.Status, s.Role)
	fmt.Fprintf(w, "view\t%d (last normal %d)\n", s.View, s.LastNormalView)
	fmt.Fprintf(w, "op / commit\t%d / %d\n", s.Op, s.Commit)
	fmt.Fprintf(w, "leader\t%s\n", s.Leader)
	fmt.Fprintf(w, "configuration\t%s\n", s.Reconfig)
	fmt.Fprintf(w, "version\t%s (cluster %s, %s)\n", s.Version, s.ClusterVersion, s.ClusterVersion.Stage())
	if s.TargetVersion != nil {
		fmt.Fprintf(w, "upgrading to\t%s\n", *s.TargetVersion)
	}
	if s.RollingBack {
		fmt.Fprintf(w, "rolling back\tyes\n")
	}
	for _, rv := range s.Versions {
		fmt.Fprintf(w, "  %s\t%s\n", rv.Replica, rv.Version)
	}
	if len(s.Lagging) > 0 {
		fmt.Fprintf(w, "lagging\t%v\n", s.Lagging)
	}
	fmt.Fprintf(w, "features\t%s\n", strings.Join(s.Features, ", "))
	fmt.Fprintf(w, "client sessions\t%d\n", s.Sessions)
	if s.Retired {
		fmt.Fprintf(w, "retired\tyes\n")
	}
	if s.Err != "" {
		fmt.Fprintf(w, "halted\t%s\n", s.Err)
	}
}
