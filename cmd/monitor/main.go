package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisAdapter "github.com/crabzie/agent-orchestrator/internal/adapter/storage/redis"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	redigo "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	var (
		addr       string
		password   string
		heartbeats bool
	)
	cmd := &cobra.Command{
		Use:          "monitor",
		Short:        "Tail the cluster channels of an agent orchestrator cluster",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), addr, password, heartbeats)
		},
	}
	cmd.Flags().StringVar(&addr, "redis", "localhost:6379", "redis address")
	cmd.Flags().StringVar(&password, "password", os.Getenv("REDIS_PASSWORD"), "redis password")
	cmd.Flags().BoolVar(&heartbeats, "heartbeats", false, "also print heartbeats and state syncs")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, password string, heartbeats bool) error {
	client := redigo.NewClient(&redigo.Options{Addr: addr, Password: password})
	defer client.Close()

	store := redisAdapter.NewStore(client, zap.NewNop())
	sub, err := store.Subscribe(ctx,
		domain.ChannelHeartbeat,
		domain.ChannelStateSync,
		domain.ChannelTaskCoordination,
		domain.ChannelNodeEvents,
	)
	if err != nil {
		return err
	}
	defer sub.Close()

	fmt.Println(colorCyan + "Cluster Activity Monitor" + colorReset)
	fmt.Println(colorGray + "Listening on " + addr + "..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if line := prettify(msg, heartbeats); line != "" {
				fmt.Printf("%s %s\n", colorGray+time.Now().Format("15:04:05")+colorReset, line)
			}
		}
	}
}

func node(id string) string {
	return colorBlue + "[" + id + "]" + colorReset
}

// prettify renders one cluster message, "" to skip it.
func prettify(msg *port.Message, heartbeats bool) string {
	switch msg.Channel {
	case domain.ChannelHeartbeat:
		var hb domain.Heartbeat
		if !heartbeats || json.Unmarshal(msg.Payload, &hb) != nil {
			return ""
		}
		leader := ""
		if hb.IsLeader {
			leader = colorPurple + " leader" + colorReset
		}
		return fmt.Sprintf("%s heartbeat status=%s load=%.2f%s", node(hb.NodeID), hb.Status, hb.Load, leader)

	case domain.ChannelStateSync:
		var s domain.StateSync
		if !heartbeats || json.Unmarshal(msg.Payload, &s) != nil {
			return ""
		}
		return fmt.Sprintf("%s state queue=%d processing=%d", node(s.NodeID), s.QueueLength, s.ProcessingCount)

	case domain.ChannelTaskCoordination:
		var c domain.CoordinationMessage
		if json.Unmarshal(msg.Payload, &c) != nil {
			return ""
		}
		switch c.Type {
		case domain.CoordinationTaskStarted:
			return fmt.Sprintf("%s "+colorBlue+"Now Running:"+colorReset+" %s (%s)", node(c.NodeID), c.TaskID, c.AgentName)
		case domain.CoordinationTaskCompleted:
			return fmt.Sprintf("%s "+colorGreen+"Task Finished:"+colorReset+" %s", node(c.NodeID), c.TaskID)
		case domain.CoordinationTaskFailed:
			return fmt.Sprintf("%s "+colorRed+"Task Failed:"+colorReset+" %s", node(c.NodeID), c.TaskID)
		case domain.CoordinationTaskAssigned:
			return fmt.Sprintf("%s "+colorYellow+"Reassigned:"+colorReset+" %s %s -> %s", node(c.SenderID), c.TaskID, c.PreviousNode, c.NodeID)
		case domain.CoordinationLoadBalanceRequest:
			return fmt.Sprintf("%s "+colorYellow+"Imbalance:"+colorReset+" %s -> %s (%.2f)", node(c.SenderID), c.FromNode, c.ToNode, c.LoadDifference)
		}

	case domain.ChannelNodeEvents:
		var ev domain.NodeEvent
		if json.Unmarshal(msg.Payload, &ev) != nil {
			return ""
		}
		switch ev.Type {
		case domain.NodeEventJoined:
			return node(ev.NodeID) + colorGreen + " joined" + colorReset
		case domain.NodeEventLeaving:
			return node(ev.NodeID) + colorRed + " leaving" + colorReset
		case domain.NodeEventLeaderElected:
			return node(ev.NodeID) + colorPurple + " elected leader" + colorReset
		}
	}
	return ""
}
