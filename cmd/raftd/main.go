// Command raftd runs one member of a replicated log cluster: a segmented
// on-disk log, a persistent term/vote/configuration store, and the
// six-role state machine described in the package docs of internal/raft,
// served over gRPC.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raftcore/raftd/internal/cluster"
	"github.com/raftcore/raftd/internal/meta"
	"github.com/raftcore/raftd/internal/raft"
	"github.com/raftcore/raftd/internal/raftlog"
	"github.com/raftcore/raftd/internal/rlog"
	"github.com/raftcore/raftd/internal/session"
	"github.com/raftcore/raftd/internal/statemachine"
	grpctransport "github.com/raftcore/raftd/internal/transport/grpc"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "raftd",
	Short:   "raftd runs one member of a replicated log cluster",
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start this node and join the configured cluster",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs as JSON")
	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("id", "", "this node's member id")
	serveCmd.Flags().String("addr", "", "gRPC listen address, e.g. 0.0.0.0:9000")
	serveCmd.Flags().String("data-dir", "", "directory for the log and metadata store")
	serveCmd.Flags().StringSlice("peer", nil, "peer as id=address, repeatable")
	serveCmd.MarkFlagRequired("id")
	serveCmd.MarkFlagRequired("addr")
	serveCmd.MarkFlagRequired("data-dir")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	rlog.Init(rlog.Config{Level: level, JSONOutput: jsonOut})
}

func runServe(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	addr, _ := cmd.Flags().GetString("addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	peerFlags, _ := cmd.Flags().GetStringSlice("peer")

	peerAddrs, members, err := parsePeers(id, addr, peerFlags)
	if err != nil {
		return err
	}

	log := rlog.WithNode(id)
	log.Info().Str("addr", addr).Strs("peers", peerFlags).Msg("starting raftd")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("raftd: create data dir: %w", err)
	}

	walLog, err := raftlog.Open(raftlog.DefaultOptions(dataDir))
	if err != nil {
		return fmt.Errorf("raftd: open log: %w", err)
	}
	defer walLog.Close()

	metaStore, err := meta.Open(dataDir)
	if err != nil {
		return fmt.Errorf("raftd: open metadata store: %w", err)
	}

	sm := statemachine.New()
	sessions := session.New()

	grpcT := grpctransport.New(addr, peerAddrs)

	var rc *raft.RaftContext
	cl := cluster.New(id, metaStore, transitionProxy{get: func() *raft.RaftContext { return rc }})

	if cfg := metaStore.Configuration(); len(cfg.Members) > 0 {
		cl.Configure(cfg)
	} else if len(members) > 0 {
		cl.Configure(cluster.Configuration{Index: 1, Term: 0, Members: members})
	}

	rc = raft.New(id, walLog, metaStore, cl, grpcT, sm, sessions, raft.DefaultTimers())

	if err := grpcT.Start(rc); err != nil {
		return fmt.Errorf("raftd: start transport: %w", err)
	}
	defer grpcT.Stop()

	rc.Start()
	defer rc.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	return nil
}

// transitionProxy breaks the New(cluster, raftContext)/New(raftContext,
// cluster) construction cycle: Cluster needs a TransitionRequester before
// RaftContext exists, and RaftContext needs a *Cluster to be built. It
// forwards to rc once rc is assigned.
type transitionProxy struct {
	get func() *raft.RaftContext
}

func (p transitionProxy) RequestTransitionForType(t cluster.MemberType) {
	if rc := p.get(); rc != nil {
		rc.RequestTransitionForType(t)
	}
}

func parsePeers(selfID, selfAddr string, peerFlags []string) (map[string]string, []cluster.Member, error) {
	addrs := map[string]string{selfID: selfAddr}
	var members []cluster.Member
	members = append(members, cluster.Member{ID: selfID, Address: selfAddr, Type: cluster.MemberActive})

	for _, p := range peerFlags {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("raftd: invalid --peer %q, want id=address", p)
		}
		addrs[parts[0]] = parts[1]
		if parts[0] != selfID {
			members = append(members, cluster.Member{ID: parts[0], Address: parts[1], Type: cluster.MemberActive})
		}
	}
	return addrs, members, nil
}
