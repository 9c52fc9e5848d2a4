// Package modempool implements the three-tier SMS modem selection, quota
// accounting, and health tracking of spec.md §4.4. The in-memory cache
// layer is grounded on other_examples/42107476_bakode-goatsms's
// reconnect/selection idiom and other_examples/4cd881d1_i4energy-sms-gateway's
// rate/quota accounting idiom, adapted here from a physical-serial-modem
// model to an HTTP-endpoint-plus-database model, per spec.md §4.4/§5.
package modempool

import (
	"context"
	"sort"
	"sync"

	"github.com/megatechtrackers/alarmnotifier/internal/errors"
	"github.com/megatechtrackers/alarmnotifier/pkg/limiter"
	"github.com/megatechtrackers/alarmnotifier/pkg/model"
)

// DefaultService is the service tag used when a caller does not specify one.
const DefaultService = "alarms"

// Store is the persistence boundary the pool reads modem rows from and
// writes quota/health updates back to. pkg/repository implements this
// against Postgres; tests use an in-memory fake.
type Store interface {
	ListEnabledModems(ctx context.Context) ([]*model.Modem, error)
	GetModemForIMEI(ctx context.Context, imei string) (*model.Modem, error)
	IncrementSMSSentCount(ctx context.Context, modemID string) (newCount int, err error)
	SetModemHealth(ctx context.Context, modemID string, health model.ModemHealth) error
	ResetModemPackage(ctx context.Context, modemID string) error
}

// Cache is the read-through layer fronting Store (filled after a miss,
// invalidated after a health check; updates go to Store only), implemented
// against Redis in production (see pkg/repository for the construction
// site) and an in-memory map in tests.
type Cache interface {
	GetModems(ctx context.Context) ([]*model.Modem, bool)
	SetModems(ctx context.Context, modems []*model.Modem)
	Invalidate(ctx context.Context)
}

// Selection is the outcome of SelectModem: which modem was chosen and which
// tier produced it, for observability per spec.md §4.4.
type Selection struct {
	Modem *model.Modem
	Tier  model.ModemSelectionTier
}

// Pool selects, quota-accounts, and health-tracks the SMS modem fleet.
type Pool struct {
	store   Store
	cache   Cache
	limiter *limiter.Registry

	mu       sync.Mutex
	inFlight map[string]int
}

// New constructs a Pool. Per-modem limiters are created on demand, each
// sized from that modem's MaxConcurrent.
func New(store Store, cache Cache) *Pool {
	return &Pool{
		store:    store,
		cache:    cache,
		limiter:  limiter.NewRegistry(nil),
		inFlight: make(map[string]int),
	}
}

func (p *Pool) modems(ctx context.Context) ([]*model.Modem, error) {
	if cached, ok := p.cache.GetModems(ctx); ok {
		return cached, nil
	}
	modems, err := p.store.ListEnabledModems(ctx)
	if err != nil {
		return nil, errors.NewInfrastructureError(err, "list enabled modems")
	}
	p.cache.SetModems(ctx, modems)
	return modems, nil
}

// inFlightCount returns the current in-flight send count for modemID.
func (p *Pool) inFlightCount(modemID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[modemID]
}

func (p *Pool) beginSend(modemID string) {
	p.mu.Lock()
	p.inFlight[modemID]++
	p.mu.Unlock()
}

func (p *Pool) endSend(modemID string) {
	p.mu.Lock()
	p.inFlight[modemID]--
	p.mu.Unlock()
}

func (p *Pool) availableWithCapacity(m *model.Modem) bool {
	return m.Available() && p.inFlightCount(m.ID) < m.MaxConcurrent
}

// SelectModem implements the three-tier selection of spec.md §4.4: device,
// then service, then fallback. imei may be empty to skip tier 1.
func (p *Pool) SelectModem(ctx context.Context, imei, service string) (*Selection, error) {
	if service == "" {
		service = DefaultService
	}

	if imei != "" {
		if m, err := p.store.GetModemForIMEI(ctx, imei); err == nil && m != nil {
			if p.availableWithCapacity(m) {
				return &Selection{Modem: m, Tier: model.ModemTierDevice}, nil
			}
		}
	}

	all, err := p.modems(ctx)
	if err != nil {
		return nil, err
	}

	if sel := p.selectFromCandidates(all, service, true, 3); sel != nil {
		sel.Tier = model.ModemTierService
		return sel, nil
	}

	if sel := p.selectFromCandidates(all, "", false, len(all)); sel != nil {
		sel.Tier = model.ModemTierFallback
		return sel, nil
	}

	return nil, errors.New(errors.ErrorTypeQuotaExhausted, "no modem available across all tiers")
}

func healthRank(h model.ModemHealth) int {
	switch h {
	case model.ModemHealthHealthy:
		return 0
	case model.ModemHealthDegraded:
		return 1
	case model.ModemHealthUnknown:
		return 2
	default:
		return 3
	}
}

// selectFromCandidates filters all by service (when requireService is true),
// sorts by health then remaining quota descending, and returns the first
// candidate with spare capacity among the first tryLimit entries.
func (p *Pool) selectFromCandidates(all []*model.Modem, service string, requireService bool, tryLimit int) *Selection {
	var candidates []*model.Modem
	for _, m := range all {
		if requireService && !m.AllowsService(service) {
			continue
		}
		if !m.Available() {
			continue
		}
		candidates = append(candidates, m)
	}

	sort.Slice(candidates, func(i, j int) bool {
		hi, hj := healthRank(candidates[i].Health), healthRank(candidates[j].Health)
		if hi != hj {
			return hi < hj
		}
		remI := candidates[i].SMSLimit - candidates[i].SMSSentCount
		remJ := candidates[j].SMSLimit - candidates[j].SMSSentCount
		return remI > remJ
	})

	if tryLimit > len(candidates) {
		tryLimit = len(candidates)
	}
	for _, m := range candidates[:tryLimit] {
		if p.availableWithCapacity(m) {
			return &Selection{Modem: m}
		}
	}
	return nil
}

// Send dispatches a body through the selected modem, wrapped by the modem's
// own concurrency limiter, and atomically accounts quota on success.
func (p *Pool) Send(ctx context.Context, sel *Selection, to, body string, transport Transport) error {
	l := p.limiter.ForCapacity(sel.Modem.ID, sel.Modem.MaxConcurrent)
	return l.Submit(ctx, func() error {
		p.beginSend(sel.Modem.ID)
		defer p.endSend(sel.Modem.ID)

		if err := transport.SendSMS(ctx, sel.Modem, to, body); err != nil {
			p.markDegraded(ctx, sel.Modem)
			return err
		}
		p.accountSuccess(ctx, sel.Modem)
		return nil
	})
}

// accountSuccess increments the in-memory and database quota counters, per
// spec.md §9's relaxation: the adapter (transport) is the success
// authority; a database write failure after a successful send is ignored,
// not surfaced, and heals on the next full cache refresh. On a successful
// write the in-memory counter takes the database's new count.
func (p *Pool) accountSuccess(ctx context.Context, m *model.Modem) {
	newCount, err := p.store.IncrementSMSSentCount(ctx, m.ID)
	if err != nil {
		// Best-effort: database drift heals on the next cache refresh.
		m.SMSSentCount++
	} else {
		m.SMSSentCount = newCount
	}
	if m.SMSSentCount >= m.SMSLimit {
		m.Health = model.ModemHealthQuotaExhausted
		if err == nil {
			_ = p.store.SetModemHealth(ctx, m.ID, model.ModemHealthQuotaExhausted)
		}
	}
}

func (p *Pool) markDegraded(ctx context.Context, m *model.Modem) {
	m.Health = model.ModemHealthDegraded
	_ = p.store.SetModemHealth(ctx, m.ID, model.ModemHealthDegraded)
}

// RunHealthCheck probes every enabled modem, transitioning healthy<->unhealthy.
// unknown and degraded remain selectable; only unhealthy/quota_exhausted
// block selection, per spec.md §4.4.
func (p *Pool) RunHealthCheck(ctx context.Context, transport Transport) {
	all, err := p.modems(ctx)
	if err != nil {
		return
	}
	for _, m := range all {
		healthy := transport.Probe(ctx, m)
		switch {
		case healthy && m.Health == model.ModemHealthUnhealthy:
			m.Health = model.ModemHealthHealthy
			_ = p.store.SetModemHealth(ctx, m.ID, model.ModemHealthHealthy)
		case !healthy && m.Health != model.ModemHealthQuotaExhausted:
			m.Health = model.ModemHealthUnhealthy
			_ = p.store.SetModemHealth(ctx, m.ID, model.ModemHealthUnhealthy)
		}
	}
	p.cache.Invalidate(ctx)
}

// ResetPackage zeroes a modem's usage counter and restores healthy status,
// the explicit package-reset operation of spec.md §4.4.
func (p *Pool) ResetPackage(ctx context.Context, modemID string) error {
	return p.store.ResetModemPackage(ctx, modemID)
}

// CostReport is the SPEC_FULL.md §3 supplement exposing per-modem and
// fleet-average cost-per-SMS.
type CostReport struct {
	PerModem     map[string]float64
	FleetAverage float64
}

// CostReport computes per-modem cost-per-SMS and the fleet average, per
// spec.md §4.4: fleet average = sum(package_cost) / sum(sms_limit) over
// enabled, quota'd modems.
func (p *Pool) CostReport(ctx context.Context) (CostReport, error) {
	all, err := p.modems(ctx)
	if err != nil {
		return CostReport{}, err
	}
	report := CostReport{PerModem: make(map[string]float64, len(all))}
	var totalCost float64
	var totalLimit int
	for _, m := range all {
		report.PerModem[m.ID] = m.CostPerSMS()
		if m.Enabled && m.SMSLimit > 0 {
			totalCost += m.PackageCost
			totalLimit += m.SMSLimit
		}
	}
	if totalLimit > 0 {
		report.FleetAverage = totalCost / float64(totalLimit)
	}
	return report, nil
}

// Transport is the external-collaborator seam for the physical/HTTP modem
// endpoint itself — out of scope per spec.md §1; Pool depends only on this
// interface.
type Transport interface {
	SendSMS(ctx context.Context, modem *model.Modem, to, body string) error
	Probe(ctx context.Context, modem *model.Modem) (healthy bool)
}

// MockTransport always succeeds, used when system state requests mock mode
// (spec.md §4.4 "Mock mode").
type MockTransport struct{}

func (MockTransport) SendSMS(ctx context.Context, modem *model.Modem, to, body string) error {
	return nil
}

func (MockTransport) Probe(ctx context.Context, modem *model.Modem) bool { return true }
