package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appconfig "gridflow/config"
	"gridflow/internal/exchange"
	"gridflow/internal/governor"
	"gridflow/internal/ledger"
	"gridflow/internal/storage"
	"gridflow/logger"
	"gridflow/models"
)

// ClientFactory builds an exchange client for a credential pair.
type ClientFactory func(apiKey, apiSecret string, testnet bool) exchange.Client

// Manager owns every configured session. Sessions sharing credentials
// share one rate governor so the combined request flow stays inside the
// account's quota.
type Manager struct {
	cfg     *appconfig.Config
	store   storage.SummaryStore
	factory ClientFactory

	mu        sync.RWMutex
	bots      map[string]*Bot
	governors map[string]*governor.Governor

	log *logger.Log
}

func NewManager(cfg *appconfig.Config) (*Manager, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:   cfg,
		store: store,
		factory: func(apiKey, apiSecret string, testnet bool) exchange.Client {
			return exchange.NewBinanceClient(apiKey, apiSecret, testnet)
		},
		bots:      make(map[string]*Bot),
		governors: make(map[string]*governor.Governor),
		log:       logger.GetLogger(),
	}, nil
}

func buildStore(cfg *appconfig.Config) (storage.SummaryStore, error) {
	var stores storage.Multi
	if cfg.Storage.SummaryDir != "" {
		fs, err := storage.NewFileStore(cfg.Storage.SummaryDir)
		if err != nil {
			return nil, err
		}
		stores = append(stores, fs)
	}
	if cfg.Storage.S3Enabled {
		s3s, err := storage.NewS3Store(context.Background(), cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s3s)
	}
	if len(stores) == 0 {
		return nil, nil
	}
	return stores, nil
}

// governorFor returns the shared governor for a credential key,
// creating it on first use.
func (m *Manager) governorFor(apiKey string) *governor.Governor {
	if g, ok := m.governors[apiKey]; ok {
		return g
	}
	g := governor.New(m.cfg.Governor)
	m.governors[apiKey] = g
	return g
}

func (m *Manager) restoreConfig() ledger.RestoreConfig {
	rc := ledger.DefaultRestoreConfig()
	r := m.cfg.Restoration
	if r.Policy != "" {
		rc.Policy = models.RestorePolicy(r.Policy)
	}
	if r.Window > 0 {
		rc.Window = r.Window
	}
	if r.MaxDeviationPct > 0 {
		rc.MaxDeviationPct = decimal.NewFromFloat(r.MaxDeviationPct)
	}
	if r.MaxPerHour > 0 {
		rc.MaxPerHour = r.MaxPerHour
	}
	return rc
}

// Start launches one session per configured grid. A session that fails
// to initialize is logged and skipped; Start errors only when no
// session could be started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.log.WithComponent("session_manager")
	started := 0

	for i, entry := range m.cfg.Grids {
		apiKey, apiSecret := entry.APIKey, entry.APISecret
		if apiKey == "" || apiSecret == "" {
			apiKey, apiSecret = m.cfg.Exchange.APIKey, m.cfg.Exchange.APISecret
		}

		id := uuid.NewString()
		bot := NewBot(id, entry.Grid, Options{
			Client:            m.factory(apiKey, apiSecret, m.cfg.Exchange.Testnet),
			Governor:          m.governorFor(apiKey),
			Store:             m.store,
			Restore:           m.restoreConfig(),
			Stream:            m.cfg.Stream,
			MarginAsset:       m.cfg.Exchange.MarginAsset,
			OrderPacing:       m.cfg.Session.OrderPacing,
			ReconcileInterval: m.cfg.Session.ReconcileInterval,
			AccountCacheTTL:   m.cfg.Session.AccountCacheTTL,
			OrderRetention:    m.cfg.Session.OrderRetention,
		})

		if err := bot.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"grid":   i,
				"symbol": entry.Grid.Symbol,
			}).Error("session failed to start")
			continue
		}
		m.bots[id] = bot
		started++
		log.WithFields(logger.Fields{
			"session": id,
			"symbol":  entry.Grid.Symbol,
		}).Info("session started")
	}

	if started == 0 {
		return fmt.Errorf("no sessions could be started")
	}
	return nil
}

// Stop requests a manual stop on every running session and waits for
// them to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	for _, b := range bots {
		b.Stop(models.StopManual)
	}
	for _, b := range bots {
		b.Wait()
	}
	m.log.WithComponent("session_manager").WithFields(logger.Fields{
		"sessions": len(bots),
	}).Info("all sessions stopped")
}

// StopSession stops one session by id.
func (m *Manager) StopSession(id string) error {
	m.mu.RLock()
	bot, ok := m.bots[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	bot.Stop(models.StopManual)
	return nil
}

// Status reports a snapshot of every session.
func (m *Manager) Status() []models.SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SessionStatus, 0, len(m.bots))
	for _, b := range m.bots {
		out = append(out, b.Status())
	}
	return out
}

// StatusOf reports one session's snapshot.
func (m *Manager) StatusOf(id string) (models.SessionStatus, error) {
	m.mu.RLock()
	bot, ok := m.bots[id]
	m.mu.RUnlock()
	if !ok {
		return models.SessionStatus{}, fmt.Errorf("unknown session %s", id)
	}
	return bot.Status(), nil
}

// ResetBreaker reopens the stream for a session whose circuit is open.
func (m *Manager) ResetBreaker(id string) error {
	m.mu.RLock()
	bot, ok := m.bots[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown session %s", id)
	}
	bot.ResetBreaker()
	return nil
}

// WaitHealthy blocks until every session reports RUNNING or the timeout
// elapses. Used by integration smoke checks.
func (m *Manager) WaitHealthy(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		all := true
		for _, st := range m.Status() {
			if st.State != models.SessionRunning {
				all = false
				break
			}
		}
		if all {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}
