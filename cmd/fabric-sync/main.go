package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/hnplabs/fabric-sync/internal/cluster"
	"github.com/hnplabs/fabric-sync/internal/fabric"
	"github.com/hnplabs/fabric-sync/internal/gitrepo"
	"github.com/hnplabs/fabric-sync/internal/secrets"
	"github.com/hnplabs/fabric-sync/internal/server"
	"github.com/hnplabs/fabric-sync/internal/store"
	"github.com/hnplabs/fabric-sync/internal/syncer"
)

var (
	version = "dev"
)

func main() {
	// Parse flags
	port := flag.Int("port", 9380, "Server port")
	dataDir := flag.String("data-dir", "", "Directory for the database (default: ~/.fabric-sync)")
	workDir := flag.String("work-dir", "", "Directory for Git working trees (default: <data-dir>/repos)")
	syncInterval := flag.Duration("sync-interval", 0, "Run a full sync for every fabric at this interval (0 = disabled)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fabric-sync %s\n", version)
		os.Exit(0)
	}

	// Suppress verbose client-go logs
	klog.InitFlags(nil)
	_ = flag.Set("v", "0")
	_ = flag.Set("logtostderr", "false")
	_ = flag.Set("alsologtostderr", "false")
	klog.SetOutput(os.Stderr)

	log.Printf("fabric-sync %s starting...", version)

	base := *dataDir
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve home directory: %v", err)
		}
		base = filepath.Join(homeDir, ".fabric-sync")
	}
	trees := *workDir
	if trees == "" {
		trees = filepath.Join(base, "repos")
	}

	st, err := store.Open(filepath.Join(base, "fabric-sync.db"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	creds := secrets.NewEnvProvider()
	git := gitrepo.NewSyncer(trees, creds)
	dial := func(ctx context.Context, f *fabric.Fabric) (*cluster.Client, error) {
		return cluster.NewForFabric(ctx, f, creds)
	}
	orch := syncer.New(st, git, dial)

	// Operations left running by a previous process are dead by definition.
	orch.ReapAllRunning(context.Background())

	schedCtx, stopSched := context.WithCancel(context.Background())
	go orch.RunScheduler(schedCtx, *syncInterval)

	srv := server.New(server.Config{
		Port:   *port,
		Store:  st,
		Syncer: orch,
	})

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		stopSched()
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	// Give in-flight background syncs a moment to notice cancellation.
	time.Sleep(100 * time.Millisecond)
}
