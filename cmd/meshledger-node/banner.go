package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"meshledger/internal/amount"
	"meshledger/internal/ledger"
	"meshledger/internal/metrics"
)

var (
	fatalColor = color.New(color.FgRed, color.Bold)
	warnColor  = color.New(color.FgYellow)
	okColor    = color.New(color.FgGreen)
)

func stateLine(w io.Writer, s ledger.State) {
	fmt.Fprint(w, "State: ")
	if s == ledger.StateRunning {
		okColor.Fprintln(w, s)
		return
	}
	fatalColor.Fprintln(w, s)
}

func banner(w io.Writer, n *node, radio string) {
	fmt.Fprintf(w, "meshledger node %#04x\n", n.cfg.Node.Address)
	fmt.Fprintf(w, "Owner: %s  Device: %s\n", n.owner, n.device)
	stateLine(w, n.engine.State())
	fmt.Fprintf(w, "Radio: %s peers=%d\n", radio, len(n.cfg.Radio.Peers))
	if n.cfg.Kiosk.Enabled {
		sealed := "plain"
		if n.cfg.Kiosk.Passphrase != "" {
			sealed = "sealed"
		}
		fmt.Fprintf(w, "Kiosk: http://%s (%s snapshots)\n", n.cfg.Kiosk.Listen, sealed)
	}
	if n.cfg.Radio.Insecure {
		warnColor.Fprintln(w, "WARNING: radio accepts the deterministic dev TLS certificate")
	}
}

func printStatus(w io.Writer, n *node, snap *metrics.Snapshot) {
	sum := n.engine.Summary()
	fmt.Fprintf(w, "Owner: %s  Device: %s\n", n.owner, n.device)
	stateLine(w, n.engine.State())
	fmt.Fprintf(w, "Balance: %s\n", amount.Format(n.engine.CachedBalance()))
	fmt.Fprintf(w, "Ledger: %d transactions, last lamport %d, hash %08x\n", sum.TxCount, sum.LastLamport, sum.LedgerHash)
	fmt.Fprintf(w, "Clock: %d\n", n.engine.Clock())
	if snap == nil {
		return
	}
	fmt.Fprintf(w, "Metrics at %s:\n", snap.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "  applied=%d rejected=%d pending=%d suspicious=%d\n",
		snap.Ledger.Applied, snap.Ledger.Rejected, snap.Ledger.Pending, snap.Ledger.Suspicious)
	fmt.Fprintf(w, "  sent=%d forwarded=%d retries=%d dropped=%d queue_full=%d\n",
		snap.Mesh.Sent, snap.Mesh.Forwarded, snap.Mesh.SendRetries, snap.Mesh.SendDropped, snap.Mesh.QueueFull)
	if snap.Ledger.CorruptRecords > 0 {
		warnColor.Fprintf(w, "  corrupt records: %d\n", snap.Ledger.CorruptRecords)
	}
}
