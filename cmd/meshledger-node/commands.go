package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshledger/internal/amount"
	"meshledger/internal/daemon"
	"meshledger/internal/kiosk"
	"meshledger/internal/mesh"
	"meshledger/internal/metrics"
	"meshledger/internal/network"
	"meshledger/internal/pprofutil"
	"meshledger/internal/proto"
	"meshledger/internal/trust"
)

func (c *cli) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node on the configured radio link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, n)
		},
	}
}

func (c *cli) serve(ctx context.Context, n *node) error {
	cfg := n.cfg
	link, err := network.ListenQUIC(ctx, network.QUICOptions{
		Listen:   cfg.Radio.Listen,
		Peers:    cfg.Radio.Peers,
		Insecure: cfg.Radio.Insecure,
		Logger:   n.log.Named("radio"),
	})
	if err != nil {
		return errors.Wrap(err, "radio link")
	}
	runner, err := daemon.NewRunner(n.engine, n.trust, link, daemon.Options{
		Address:         cfg.Node.Address,
		TTL:             cfg.Mesh.TTL,
		PacketBudget:    cfg.Mesh.PacketSize,
		InboundQueue:    cfg.Mesh.InboundQueue,
		Tick:            cfg.Mesh.Tick,
		ReplayRaw:       cfg.Mesh.ReplayRawCache,
		ReplayMessages:  cfg.Mesh.ReplayMessageIDs,
		MetricsPath:     cfg.Metrics.Path,
		MetricsInterval: cfg.Metrics.Interval,
		Sync: mesh.SyncOptions{
			Slots:             cfg.Mesh.SyncSlots,
			RequestTimeout:    cfg.Mesh.RequestTimeout,
			HeartbeatInterval: cfg.Mesh.Heartbeat,
			SummaryInterval:   cfg.Mesh.SummaryRequest,
			NeighborCapacity:  cfg.Mesh.NeighborCapacity,
			NeighborTimeout:   cfg.Mesh.NeighborTimeout,
		},
		Outbox: mesh.OutboxOptions{
			Capacity:  cfg.Mesh.OutboxCapacity,
			RetryBase: cfg.Mesh.RetryBase,
			MaxRetry:  cfg.Mesh.MaxRetry,
		},
		Logger:  n.log,
		Metrics: n.metrics,
	})
	if err != nil {
		_ = link.Close()
		return err
	}
	defer runner.Close()

	updates, err := takeTrustUpdates(cfg.Node.DataDir)
	if err != nil {
		n.log.Warn("queued trust updates unreadable", zap.Error(err))
	}
	for _, u := range updates {
		if err := runner.PublishTrust(u); err != nil {
			n.log.Warn("queued trust update refused", zap.String("subject", u.Subject), zap.Error(err))
		}
	}

	banner(c.stdout, n, link.Addr().String())

	if cfg.Node.Pprof != "" {
		if _, err := pprofutil.Start(ctx, cfg.Node.Pprof, cfg.Node.PprofPublic, n.log.Named("pprof")); err != nil {
			n.log.Warn("pprof not started", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	kioskErr := make(chan error, 1)
	if cfg.Kiosk.Enabled {
		srv := kiosk.New(n.engine, kiosk.Options{
			Sync:       runner.Sync(),
			Metrics:    n.metrics,
			Passphrase: cfg.Kiosk.Passphrase,
			Logger:     n.log.Named("kiosk"),
		})
		go func() { kioskErr <- srv.Run(ctx, cfg.Kiosk.Listen) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- runner.Run(ctx) }()

	select {
	case err = <-runErr:
	case err = <-kioskErr:
		cancel()
		<-runErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger state, summary and the last metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			printStatus(c.stdout, n, readMetricsSnapshot(n.cfg.Metrics.Path))
			return nil
		},
	}
}

func readMetricsSnapshot(path string) *metrics.Snapshot {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil
	}
	return &snap
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [identity]",
		Short: "Print the balance of an identity (default: this node's owner)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			id := n.owner
			if len(args) == 1 {
				id = args[0]
			}
			if !proto.ValidIdentity(id) {
				return errors.Errorf("invalid identity %q", id)
			}
			bal, stats := n.engine.Balance(id)
			fmt.Fprintf(c.stdout, "%s %s\n", id, amount.Format(bal))
			if stats.Corrupt > 0 {
				warnColor.Fprintf(c.stderr, "warning: %d corrupt records skipped\n", stats.Corrupt)
			}
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <receiver> <amount>",
		Short: "Record a transfer from the owner; neighbors fetch it on the next sync",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			minor, err := amount.Parse(args[1])
			if err != nil {
				return err
			}
			if !proto.ValidIdentity(args[0]) {
				return errors.Errorf("invalid receiver %q", args[0])
			}
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			tx, res, err := n.engine.CreateTransaction(args[0], minor)
			if err != nil {
				return err
			}
			if !res.Accepted() {
				return errors.Errorf("transfer refused: %s", res)
			}
			fmt.Fprintf(c.stdout, "%s %s -> %s %s lamport=%d %s\n",
				tx.ID, tx.Sender, tx.Receiver, amount.FormatUnsigned(tx.Amount), tx.Lamport, res.Status)
			return nil
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a ledger snapshot for kiosk transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			data, err := n.engine.ExportSnapshot()
			if err != nil {
				return err
			}
			if passphrase != "" {
				if data, err = kiosk.SealSnapshot(passphrase, data); err != nil {
					return err
				}
			}
			if err := os.WriteFile(args[0], data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "exported %d transactions to %s\n", n.engine.Summary().TxCount, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "seal the snapshot with this passphrase")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Merge a ledger snapshot into the local ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if passphrase != "" {
				if data, err = kiosk.OpenSnapshot(passphrase, data); err != nil {
					return errors.Wrap(err, "open sealed snapshot")
				}
			}
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			applied, err := n.engine.ImportSnapshot(data)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "imported %d transactions\n", applied)
			return nil
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase the snapshot was sealed with")
	return cmd
}

func (c *cli) wipeCmd() *cobra.Command {
	var confirm, reason string
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Irreversibly erase the local ledger",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if confirm != kiosk.WipeConfirmation {
				return errors.Errorf("refusing to wipe without --confirm %s", kiosk.WipeConfirmation)
			}
			n, err := c.openNode()
			if err != nil {
				return err
			}
			defer n.Close()
			if err := n.engine.EmergencyWipe(reason); err != nil {
				return err
			}
			fatalColor.Fprintf(c.stdout, "ledger %s\n", n.engine.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&confirm, "confirm", "", "must be "+kiosk.WipeConfirmation)
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason recorded in the log")
	return cmd
}

func (c *cli) keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the device key and id if missing and print them",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			device, signer, _, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "device %s\npub %s\n", device, hex.EncodeToString(signer.Public()))
			return nil
		},
	}
}

func (c *cli) trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <subject> <score>",
		Short: "Sign a trust update as this device; it is flooded on the next run",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			score, err := strconv.ParseUint(args[1], 10, 8)
			if err != nil || score > trust.MaxScore {
				return errors.Errorf("score must be 0..%d", trust.MaxScore)
			}
			if !proto.ValidIdentity(args[0]) {
				return errors.Errorf("invalid subject %q", args[0])
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			device, signer, keys, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			u := trust.Sign(signer, device, args[0], uint8(score))
			// refuse locally what every neighbor would refuse
			table := trust.NewTable(cfg.Trust.Default, cfg.Trust.Capacity, cfg.Trust.Authorities, keys)
			if err := table.Apply(u); err != nil {
				return err
			}
			if err := appendTrustUpdate(cfg.Node.DataDir, u); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "queued trust %s=%d issued by %s\n", u.Subject, u.Score, u.Issuer)
			return nil
		},
	}
}
