package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vsr-engine/internal/logging"
	"vsr-engine/internal/pubsub"
	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/server"
)

func main() {
	size := flag.Int("n", 3, "Number of replicas")
	basePort := flag.Int("port", 7000, "Port of replica 0, replica i listens on port+i")
	commands := flag.Int("commands", 5, "Number of commands to submit")
	failover := flag.Bool("failover", false, "Stop the leader after the first commands and keep going")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	if err := logging.Init(*level); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	peers := make(map[vsr.ReplicaID]server.Address, *size)
	for i := 0; i < *size; i++ {
		peers[vsr.ReplicaID(i)] = server.Address(fmt.Sprintf("localhost:%d", *basePort+i))
	}

	nodes := make([]*server.Node, 0, *size)
	for i := 0; i < *size; i++ {
		node, err := server.NewNode(server.DefaultConfig(vsr.ReplicaID(i), peers))
		if err != nil {
			log.Fatalf("Failed to create replica %d: %v", i, err)
		}
		if err := node.Start(); err != nil {
			log.Fatalf("Failed to start replica %d: %v", i, err)
		}
		views := make(chan *pubsub.Event[server.ViewChangedPayload], 16)
		pubsub.Subscribe(node.Broker(), server.ViewChanged, views, pubsub.SubscriptionOptions{})
		go func(id vsr.ReplicaID) {
			for ev := range views {
				fmt.Printf("  %s: view %d %s, leader %s\n", id, ev.Payload.View, ev.Payload.Status, ev.Payload.Leader)
			}
		}(node.ID())
		nodes = append(nodes, node)
		fmt.Printf("Replica %s listening on %s\n", node.ID(), node.Addr())
	}
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()

	client := server.NewClusterClient(peers)
	defer client.Close()

	clientID := "local-cluster"
	for i := 1; i <= *commands; i++ {
		if *failover && i == *commands/2+1 {
			stopLeader(nodes)
		}
		submit(client, vsr.Request{
			Client:  vsr.ClientMetadata{ClientID: clientID, RequestNumber: uint64(i)},
			Command: vsr.DataCommand([]byte(fmt.Sprintf("SET key%d=value%d", i, i))),
		})
	}

	time.Sleep(200 * time.Millisecond)
	fmt.Println()
	for _, n := range nodes {
		printState(n)
	}

	fmt.Println("\nCluster running, press Ctrl+C to stop")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func submit(client *server.ClusterClient, req vsr.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := client.Submit(ctx, req)
	switch {
	case err != nil:
		fmt.Printf("  %s failed: %v\n", req.Command.Payload, err)
	case reply.Err != "":
		fmt.Printf("  %s rejected: %s\n", req.Command.Payload, reply.Err)
	default:
		fmt.Printf("  %s committed at op %d in view %d\n", req.Command.Payload, reply.Op, reply.View)
	}
}

func stopLeader(nodes []*server.Node) {
	for _, n := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s, err := n.Snapshot(ctx)
		cancel()
		if err == nil && s.Role == vsr.RoleLeader {
			fmt.Printf("\nStopping leader %s\n", n.ID())
			n.Stop()
			return
		}
	}
}

func printState(n *server.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := n.Snapshot(ctx)
	if err != nil {
		fmt.Printf("%s: %v\n", n.ID(), err)
		return
	}
	fmt.Printf("%s: %s view=%d op=%d commit=%d leader=%s keys=%d\n", s.ID, s.Role, s.View, s.Op, s.Commit, s.Leader,
		len(n.KV().GetAll()))
}
