// cmd/asip-node/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/asip-collective/asip/internal/node"
)

func main() {
	cfg := node.ConfigFromEnv()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "request":
			cmdRequest(cfg, os.Args[2:])
		case "serve":
			cmdServe(cfg)
		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			fmt.Println("Usage: asip-node [serve|request <prompt>]")
			os.Exit(1)
		}
		return
	}
	cmdServe(cfg)
}

// cmdServe runs a long-lived mesh node until SIGINT or SIGTERM.
func cmdServe(cfg node.Config) {
	n := startNode(cfg)
	defer n.Stop()

	pterm.Success.Printfln("Node %s listening at %s", n.NodeID(), n.Addr())
	pterm.Info.Printfln("Topic: %s, peers: %d", cfg.Topic, n.PeerCount())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	pterm.Info.Println("Shutting down...")
}

// cmdRequest broadcasts one question, waits for the mesh to answer, and
// prints the aggregated result.
func cmdRequest(cfg node.Config, args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: asip-node request <prompt>")
		os.Exit(1)
	}
	prompt := strings.Join(args, " ")

	n := startNode(cfg)
	defer n.Stop()

	if n.PeerCount() == 0 {
		pterm.Error.Println("No peers connected. Set ASIP_PEERS to at least one address.")
		os.Exit(1)
	}

	spinner, _ := pterm.DefaultSpinner.Start(
		pterm.Sprintf("Asking %d peers (need %d responses)...", n.PeerCount(), cfg.MinResponses))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ResponseTimeout+5*time.Second)
	defer cancel()
	result, err := n.BroadcastRequest(ctx, prompt, node.RequestOptions{})
	if err != nil {
		spinner.Fail(err.Error())
		os.Exit(1)
	}
	spinner.Success(pterm.Sprintf("Collected %d responses", len(result.Responses)))

	printResult(result)
}

func printResult(result *node.AggregateResult) {
	box := pterm.DefaultBox.WithHorizontalPadding(2).WithTopPadding(1).WithBottomPadding(1)
	pterm.Println(box.
		WithTitle(pterm.LightYellow("CONSENSUS")).
		WithTitleTopCenter().
		Sprintf("%s", result.Consensus))

	rows := pterm.TableData{{"Worker", "Latency", "In consensus"}}
	winners := make(map[string]bool, len(result.Winners))
	for _, w := range result.Winners {
		winners[w] = true
	}
	for _, resp := range result.Responses {
		mark := ""
		if winners[resp.WorkerID] {
			mark = "yes"
		}
		rows = append(rows, []string{resp.WorkerID, fmt.Sprintf("%dms", resp.Latency), mark})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Info.Printfln("Agreement: %d/%d (%.0f%%)",
		result.ConsensusSize, len(result.Responses), result.Confidence*100)
}

func startNode(cfg node.Config) *node.Node {
	n, err := node.New(cfg)
	if err != nil {
		pterm.Error.Printfln("Node init failed: %v", err)
		os.Exit(1)
	}
	if err := n.Start(); err != nil {
		pterm.Error.Printfln("Node start failed: %v", err)
		os.Exit(1)
	}
	return n
}
