package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tosintaad/ciyam/core"
	"github.com/tosintaad/ciyam/pkg/config"
)

var (
	cfg  *config.Config
	node *core.Node
)

func main() {
	rootCmd := &cobra.Command{Use: "ciyamd", Short: "content-addressed blockchain peer node"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initNode(*cobra.Command, []string) error {
	if node != nil {
		return nil
	}
	_ = godotenv.Load()

	var err error
	cfg, err = config.LoadFromEnv()
	if err != nil {
		return err
	}

	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lv)
	}

	store, err := core.NewDiskStore(cfg.Network.DataDir, nil)
	if err != nil {
		return err
	}

	coreCfg := core.Config{
		MaxPeers:       cfg.Network.MaxPeers,
		DataDir:        cfg.Network.DataDir,
		InitialPeerIPs: cfg.Network.InitialPeerIPs,
		StatusAddr:     cfg.Network.StatusAddr,
	}
	if len(cfg.Network.AcceptedIPs) > 0 {
		accepted := make(map[string]struct{}, len(cfg.Network.AcceptedIPs))
		for _, ip := range cfg.Network.AcceptedIPs {
			accepted[ip] = struct{}{}
		}
		coreCfg.AcceptedPeerAddr = func(ip string) bool {
			_, ok := accepted[ip]
			return ok || ip == "127.0.0.1"
		}
	}
	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		coreCfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	node = core.NewNode(coreCfg, store, core.NewBasicVerifier(), logrus.StandardLogger())
	return nil
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node", Short: "node lifecycle"}

	start := &cobra.Command{
		Use:     "start",
		Short:   "start the peer listeners and connect to initial peers",
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			for chain, port := range cfg.Network.ChainPorts {
				if err := node.CreatePeerListener(port, chain); err != nil {
					return err
				}
			}
			node.CreateInitialPeerSessions()

			var status *core.StatusServer
			if cfg.Network.StatusAddr != "" {
				status = core.NewStatusServer(node, cfg.Network.StatusAddr)
				status.Start()
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logrus.Info("shutting down")
			node.Shutdown()
			node.Wait()
			if status != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				status.Stop(ctx)
			}
			return nil
		},
	}
	cmd.AddCommand(start)
	return cmd
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "peer", Short: "peer management"}

	connect := &cobra.Command{
		Use:     "connect <ip> <port>",
		Short:   "dial an outbound peer session",
		Args:    cobra.ExactArgs(2),
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[1])
			}
			blockchain, _ := cmd.Flags().GetString("blockchain")
			force, _ := cmd.Flags().GetBool("force")
			return node.CreatePeerInitiator(port, args[0], blockchain, force)
		},
	}
	connect.Flags().String("blockchain", "", "blockchain tag for the session")
	connect.Flags().Bool("force", false, "clear any recorded rejection of the IP first")
	cmd.AddCommand(connect)
	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "minting account management"}

	unlock := &cobra.Command{
		Use:     "unlock <blockchain> <password>",
		Short:   "unlock a minting password",
		Args:    cobra.ExactArgs(2),
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := node.UsePeerAccount(args[0], args[1], false)
			if err != nil {
				return err
			}
			fmt.Println(account)
			return nil
		},
	}

	release := &cobra.Command{
		Use:     "release <blockchain> [password]",
		Short:   "withdraw one (or all) minting passwords",
		Args:    cobra.RangeArgs(1, 2),
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) > 1 {
				password = args[1]
			}
			_, err := node.UsePeerAccount(args[0], password, true)
			return err
		},
	}

	list := &cobra.Command{
		Use:     "list <blockchain>",
		Short:   "list unlocked minting accounts",
		Args:    cobra.ExactArgs(1),
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := node.UsePeerAccount(args[0], "", false)
			if err != nil {
				return err
			}
			if accounts != "" {
				fmt.Println(accounts)
			}
			return nil
		},
	}

	cmd.AddCommand(unlock, release, list)
	return cmd
}

func txCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tx", Short: "blockchain transactions"}

	create := &cobra.Command{
		Use:     "create <blockchain> <application> <log-command>",
		Short:   "create and store a new blockchain transaction",
		Args:    cobra.MinimumNArgs(3),
		PreRunE: initNode,
		RunE: func(cmd *cobra.Command, args []string) error {
			logCommand := strings.Join(args[2:], " ")
			txHash, err := node.CreateBlockchainTransaction(args[0], args[1], logCommand, nil)
			if err != nil {
				return err
			}
			fmt.Println(txHash)
			return nil
		},
	}
	cmd.AddCommand(create)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "configuration helpers"}

	initCfg := &cobra.Command{
		Use:   "init [path]",
		Short: "write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "cmd/config/default.yaml"
			if len(args) > 0 {
				path = args[0]
			}

			var defaults config.Config
			defaults.Network.MaxPeers = 10
			defaults.Network.DataDir = "data"
			defaults.Network.ChainPorts = map[string]int{}
			defaults.Network.InitialPeerIPs = map[string]string{}
			defaults.Logging.Level = "info"

			out, err := yaml.Marshal(&defaults)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.AddCommand(initCfg)
	return cmd
}
