// Package kiosk is the local HTTP surface a cooperative kiosk uses to
// inspect a node, move ledger snapshots and trigger an emergency wipe.
package kiosk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshledger/internal/amount"
	"meshledger/internal/crypto"
	"meshledger/internal/ledger"
	"meshledger/internal/mesh"
	"meshledger/internal/metrics"
	"meshledger/internal/proto"
)

const (
	// WipeConfirmation must be sent verbatim to POST /wipe.
	WipeConfirmation = "WIPE"
	maxSnapshotBody  = 8 << 20
	maxListed        = 256
	shutdownTimeout  = 5 * time.Second
)

var snapshotAAD = []byte("meshledger-kiosk-snapshot")

// SealSnapshot encrypts an exported snapshot under passphrase.
func SealSnapshot(passphrase string, data []byte) ([]byte, error) {
	return crypto.XSeal(crypto.SealKeyFromPassphrase(passphrase), data, snapshotAAD)
}

func OpenSnapshot(passphrase string, sealed []byte) ([]byte, error) {
	return crypto.XOpen(crypto.SealKeyFromPassphrase(passphrase), sealed, snapshotAAD)
}

type Options struct {
	Sync    *mesh.SyncEngine
	Metrics *metrics.Metrics
	// Passphrase seals exported snapshots and is required to open imports.
	// Empty means plaintext.
	Passphrase string
	Logger     *zap.Logger
}

type Server struct {
	engine  *ledger.Engine
	sync    *mesh.SyncEngine
	metrics *metrics.Metrics
	sealKey []byte
	logger  *zap.Logger
	router  *gin.Engine
}

func New(engine *ledger.Engine, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		engine:  engine,
		sync:    opts.Sync,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		router:  router,
	}
	if opts.Passphrase != "" {
		s.sealKey = crypto.SealKeyFromPassphrase(opts.Passphrase)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("kiosk listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/status", s.status)
	s.router.GET("/balance/:identity", s.balance)
	s.router.GET("/transactions", s.transactions)

	snap := s.router.Group("/snapshot")
	{
		snap.GET("", s.exportSnapshot)
		snap.POST("", s.importSnapshot)
	}
	s.router.POST("/wipe", s.wipe)
}

type summaryView struct {
	LastLamport uint32 `json:"last_lamport"`
	TxCount     uint32 `json:"tx_count"`
	LedgerHash  string `json:"ledger_hash"`
}

func viewSummary(sum proto.Summary) summaryView {
	return summaryView{
		LastLamport: sum.LastLamport,
		TxCount:     sum.TxCount,
		LedgerHash:  fmt.Sprintf("%08x", sum.LedgerHash),
	}
}

type neighborView struct {
	ID       uint16      `json:"id"`
	Summary  summaryView `json:"summary"`
	LastSeen time.Time   `json:"last_seen"`
}

type slotView struct {
	Neighbor     uint16 `json:"neighbor"`
	State        string `json:"state"`
	NextExpected uint32 `json:"next_expected"`
	Advertised   uint32 `json:"advertised"`
}

type statusView struct {
	State     string            `json:"state"`
	Owner     string            `json:"owner"`
	Device    string            `json:"device"`
	Clock     uint32            `json:"clock"`
	Balance   string            `json:"balance"`
	Pending   int               `json:"pending"`
	Deferred  int               `json:"deferred"`
	Summary   summaryView       `json:"summary"`
	Neighbors []neighborView    `json:"neighbors"`
	Slots     []slotView        `json:"slots"`
	Metrics   *metrics.Snapshot `json:"metrics,omitempty"`
}

func (s *Server) status(c *gin.Context) {
	out := statusView{
		State:     s.engine.State().String(),
		Owner:     s.engine.Owner(),
		Device:    s.engine.DeviceID(),
		Clock:     s.engine.Clock(),
		Balance:   amount.Format(s.engine.CachedBalance()),
		Pending:   s.engine.PendingLen(),
		Deferred:  s.engine.DeferredLen(),
		Summary:   viewSummary(s.engine.Summary()),
		Neighbors: []neighborView{},
		Slots:     []slotView{},
	}
	if s.sync != nil {
		for _, n := range s.sync.Neighbors() {
			out.Neighbors = append(out.Neighbors, neighborView{ID: n.ID, Summary: viewSummary(n.Summary), LastSeen: n.LastSeen})
		}
		for _, sl := range s.sync.Slots() {
			out.Slots = append(out.Slots, slotView{
				Neighbor:     sl.Neighbor,
				State:        sl.State.String(),
				NextExpected: sl.NextExpected,
				Advertised:   sl.Advertised,
			})
		}
	}
	if s.metrics != nil {
		snap := s.metrics.Snapshot()
		out.Metrics = &snap
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) balance(c *gin.Context) {
	id := c.Param("identity")
	if !proto.ValidIdentity(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity"})
		return
	}
	bal, stats := s.engine.Balance(id)
	c.JSON(http.StatusOK, gin.H{
		"identity":        id,
		"balance":         amount.Format(bal),
		"minor_units":     bal,
		"corrupt_records": stats.Corrupt,
	})
}

type txView struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Device   string `json:"device"`
	Amount   string `json:"amount"`
	Lamport  uint32 `json:"lamport"`
	Flag     string `json:"flag"`
}

func (s *Server) transactions(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad from"})
		return
	}
	max, err := strconv.Atoi(c.DefaultQuery("max", "50"))
	if err != nil || max <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad max"})
		return
	}
	if max > maxListed {
		max = maxListed
	}
	txs := s.engine.Range(uint32(from), proto.TxID{}, max)
	out := make([]txView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, txView{
			ID:       tx.ID.String(),
			Sender:   tx.Sender,
			Receiver: tx.Receiver,
			Device:   tx.DeviceID,
			Amount:   amount.FormatUnsigned(tx.Amount),
			Lamport:  tx.Lamport,
			Flag:     tx.Flags.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (s *Server) exportSnapshot(c *gin.Context) {
	data, err := s.engine.ExportSnapshot()
	if err != nil {
		s.fail(c, err)
		return
	}
	sealed := "false"
	if s.sealKey != nil {
		data, err = crypto.XSeal(s.sealKey, data, snapshotAAD)
		if err != nil {
			s.fail(c, err)
			return
		}
		sealed = "true"
	}
	c.Header("X-Snapshot-Sealed", sealed)
	c.Header("Content-Disposition", `attachment; filename="ledger.mlsn"`)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) importSnapshot(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSnapshotBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > maxSnapshotBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "snapshot too large"})
		return
	}
	if s.sealKey != nil {
		data, err = crypto.XOpen(s.sealKey, data, snapshotAAD)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "snapshot does not open with this passphrase"})
			return
		}
	}
	n, err := s.engine.ImportSnapshot(data)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("snapshot imported", zap.Int("applied", n))
	c.JSON(http.StatusOK, gin.H{"applied": n, "summary": viewSummary(s.engine.Summary())})
}

type wipeRequest struct {
	Confirm string `json:"confirm" binding:"required"`
	Reason  string `json:"reason"`
}

func (s *Server) wipe(c *gin.Context) {
	var req wipeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Confirm != WipeConfirmation {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation mismatch"})
		return
	}
	if req.Reason == "" {
		req.Reason = "kiosk"
	}
	if err := s.engine.EmergencyWipe(req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.engine.State().String()})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrBadSnapshot):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrHalted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": s.engine.State().String()})
	default:
		s.logger.Error("kiosk request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
