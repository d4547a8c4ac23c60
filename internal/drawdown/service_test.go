package drawdown

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecredit/creditdesk/internal/credit"
	"github.com/tradecredit/creditdesk/internal/ledger"
	"github.com/tradecredit/creditdesk/internal/money"
	"github.com/tradecredit/creditdesk/internal/schedule"
	"github.com/tradecredit/creditdesk/internal/shared"
)

var (
	importer = shared.Actor{Role: shared.RoleImporter, ID: "imp-1"}
	admin    = shared.Actor{Role: shared.RoleAdministrator, ID: "admin-1"}
	bank     = shared.Actor{Role: shared.RoleFinancialInstitution, ID: "bank-1"}
	clock    = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
)

// memoryRepo emulates row locks: GetPositionForUpdate and GetImportForUpdate
// hold a per-row mutex until the transaction ends, and writes are staged
// until commit.
type memoryRepo struct {
	mu          sync.Mutex
	imports     map[uuid.UUID]Import
	obligations map[uuid.UUID][]schedule.Obligation
	positions   map[string]ledger.Position

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type memoryTx struct {
	repo        *memoryRepo
	held        []*sync.Mutex
	imports     map[uuid.UUID]Import
	obligations map[uuid.UUID][]schedule.Obligation
	positions   map[string]ledger.Position
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		imports:     map[uuid.UUID]Import{},
		obligations: map[uuid.UUID][]schedule.Obligation{},
		positions:   map[string]ledger.Position{},
		locks:       map[string]*sync.Mutex{},
	}
}

func (r *memoryRepo) rowLock(key string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:        r,
		imports:     map[uuid.UUID]Import{},
		obligations: map[uuid.UUID][]schedule.Obligation{},
		positions:   map[string]ledger.Position{},
	}
	defer func() {
		for i := len(tx.held) - 1; i >= 0; i-- {
			tx.held[i].Unlock()
		}
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, imp := range tx.imports {
		r.imports[id] = imp
	}
	for id, obs := range tx.obligations {
		r.obligations[id] = obs
	}
	for id, pos := range tx.positions {
		r.positions[id] = pos
	}
	return nil
}

func (r *memoryRepo) GetImport(_ context.Context, id uuid.UUID) (Import, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	imp, ok := r.imports[id]
	if !ok {
		return Import{}, fmt.Errorf("%w: import %s", shared.ErrNotFound, id)
	}
	return imp, nil
}

func (r *memoryRepo) ListByImporter(_ context.Context, importerID string, limit, offset int) ([]Import, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Import
	for _, imp := range r.imports {
		if imp.ImporterID == importerID {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) Obligations(_ context.Context, importID uuid.UUID) ([]schedule.Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schedule.Obligation(nil), r.obligations[importID]...), nil
}

func (r *memoryRepo) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, obs := range r.obligations {
		if !r.imports[id].Active() {
			continue
		}
		for i := range obs {
			if schedule.IsOverdue(obs[i], asOf) {
				obs[i].Status = schedule.StatusOverdue
				n++
			}
		}
	}
	return n, nil
}

func (r *memoryRepo) position(importerID string) ledger.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.positions[importerID]
	if !ok {
		pos.ImporterID = importerID
	}
	return pos
}

func (tx *memoryTx) lock(key string) {
	l := tx.repo.rowLock(key)
	l.Lock()
	tx.held = append(tx.held, l)
}

func (tx *memoryTx) GetPositionForUpdate(_ context.Context, importerID string) (ledger.Position, error) {
	tx.lock("position:" + importerID)
	return tx.repo.position(importerID), nil
}

func (tx *memoryTx) SavePosition(_ context.Context, pos ledger.Position) error {
	pos.Version++
	tx.positions[pos.ImporterID] = pos
	return nil
}

func (tx *memoryTx) InsertImport(_ context.Context, imp Import) error {
	tx.imports[imp.ID] = imp
	return nil
}

func (tx *memoryTx) GetImportForUpdate(ctx context.Context, id uuid.UUID) (Import, error) {
	tx.lock("import:" + id.String())
	if imp, ok := tx.imports[id]; ok {
		return imp, nil
	}
	return tx.repo.GetImport(ctx, id)
}

func (tx *memoryTx) UpdateImport(_ context.Context, imp Import) error {
	tx.imports[imp.ID] = imp
	return nil
}

func (tx *memoryTx) HasObligations(_ context.Context, importID uuid.UUID) (bool, error) {
	if len(tx.obligations[importID]) > 0 {
		return true, nil
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return len(tx.repo.obligations[importID]) > 0, nil
}

func (tx *memoryTx) InsertObligations(ctx context.Context, obligations []schedule.Obligation) error {
	if len(obligations) == 0 {
		return nil
	}
	exists, _ := tx.HasObligations(ctx, obligations[0].ImportID)
	if exists {
		return schedule.ErrScheduleExists
	}
	tx.obligations[obligations[0].ImportID] = append([]schedule.Obligation(nil), obligations...)
	return nil
}

type appReader map[uuid.UUID]credit.CreditApplication

func (r appReader) Get(_ context.Context, id uuid.UUID) (credit.CreditApplication, error) {
	app, ok := r[id]
	if !ok {
		return credit.CreditApplication{}, fmt.Errorf("%w: application %s", shared.ErrNotFound, id)
	}
	return app, nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]struct{}{}
	}
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

type fixture struct {
	repo  *memoryRepo
	apps  appReader
	idem  *memoryIdempotency
	audit *memoryAudit
	svc   *Service
}

func newFixture() *fixture {
	f := &fixture{repo: newMemoryRepo(), apps: appReader{}, idem: &memoryIdempotency{}, audit: &memoryAudit{}}
	f.svc = NewService(f.repo, f.apps, ServiceConfig{
		Idempotency: f.idem,
		Audit:       f.audit,
		Now:         func() time.Time { return clock },
	})
	return f
}

// finalized walks an application through the full review and books its
// limit in the ledger the way finalization does.
func (f *fixture) finalized(t *testing.T, importerID string, limit money.Amount) credit.CreditApplication {
	t.Helper()
	owner := shared.Actor{Role: shared.RoleImporter, ID: importerID}
	app, err := credit.NewApplication(uuid.New(), owner, credit.SubmitInput{RequestedAmount: limit, Purpose: "Machinery import"}, clock)
	require.NoError(t, err)
	steps := []struct {
		actor shared.Actor
		cmd   credit.Command
	}{
		{admin, credit.PreAnalysisCommand{Decision: credit.PreAnalysisPreApproved}},
		{bank, credit.FinancialDecisionCommand{
			Decision:           credit.FinancialApproved,
			CreditLimit:        limit,
			TermsDays:          []int{30, 60, 90},
			DownPaymentPercent: decimal.NewFromInt(30),
		}},
		{admin, credit.FinalizeCommand{}},
	}
	for _, step := range steps {
		app, _, err = credit.Transition(app, step.actor, step.cmd, clock)
		require.NoError(t, err)
	}
	f.apps[app.ID] = app

	f.repo.mu.Lock()
	pos, ok := f.repo.positions[importerID]
	if !ok {
		pos.ImporterID = importerID
	}
	pos, err = ledger.Grant(pos, limit)
	f.repo.positions[importerID] = pos
	f.repo.mu.Unlock()
	require.NoError(t, err)
	return app
}

func TestDrawdownGeneratesScheduleAndConsumesCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)
	assert.Equal(t, money.Amount(50000), f.repo.position("imp-1").Available())

	res, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 20000, Reference: "PO-77"})
	require.NoError(t, err)
	assert.Equal(t, "imp-1", res.Import.ImporterID)
	assert.Equal(t, StatusPlanning, res.Import.Status)
	require.NotNil(t, res.Available)
	assert.Equal(t, money.Amount(30000), *res.Available)

	require.Len(t, res.Obligations, 4)
	amounts := make([]money.Amount, 0, 4)
	for _, o := range res.Obligations {
		amounts = append(amounts, o.Amount)
	}
	assert.Equal(t, []money.Amount{6000, 4666, 4666, 4668}, amounts)
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, res.Obligations[0].DueDate.Equal(day))
	assert.True(t, res.Obligations[3].DueDate.Equal(day.AddDate(0, 0, 90)))

	stored, err := f.svc.Obligations(ctx, importer, res.Import.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	assert.Equal(t, money.Amount(30000), f.repo.position("imp-1").Available())
	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "import.drawdown", f.audit.logs[0].Action)
}

func TestDrawdownAboveAvailableIsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)
	_, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 20000})
	require.NoError(t, err)

	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 35000})
	require.ErrorIs(t, err, shared.ErrInsufficientCredit)
	var insufficient *ledger.InsufficientCreditError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, money.Amount(30000), insufficient.Available)

	pos := f.repo.position("imp-1")
	assert.Equal(t, money.Amount(20000), pos.Drawn)
	imports, err := f.svc.ListByImporter(ctx, importer, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, imports, 1)
}

func TestConcurrentDrawdownsNeverOverdraw(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	const workers = 10
	const value = money.Amount(1000)
	app := f.finalized(t, "imp-1", value*(workers-1))

	var wg sync.WaitGroup
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: value})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, shared.ErrInsufficientCredit):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, workers-1, ok)
	assert.Equal(t, 1, insufficient)
	pos := f.repo.position("imp-1")
	assert.Equal(t, money.Amount(0), pos.Available())
	assert.GreaterOrEqual(t, int64(pos.Available()), int64(0))
}

func TestCreditIsPooledAcrossApplications(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	first := f.finalized(t, "imp-1", 10000)
	f.finalized(t, "imp-1", 5000)

	_, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &first.ID, TotalValue: 15000})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), f.repo.position("imp-1").Available())
}

func TestDrawdownPreconditions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)

	_, err := f.svc.RequestDrawdown(ctx, bank, Input{ImporterID: "imp-1", CreditApplicationID: &app.ID, TotalValue: 10})
	require.ErrorIs(t, err, shared.ErrForbidden)

	other := shared.Actor{Role: shared.RoleImporter, ID: "imp-2"}
	_, err = f.svc.RequestDrawdown(ctx, other, Input{ImporterID: "imp-1", CreditApplicationID: &app.ID, TotalValue: 10})
	require.ErrorIs(t, err, shared.ErrForbidden)

	_, err = f.svc.RequestDrawdown(ctx, other, Input{CreditApplicationID: &app.ID, TotalValue: 10})
	require.ErrorIs(t, err, shared.ErrNotFound)

	missing := uuid.New()
	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &missing, TotalValue: 10})
	require.ErrorIs(t, err, shared.ErrNotFound)

	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 0})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	pending, err := credit.NewApplication(uuid.New(), importer, credit.SubmitInput{RequestedAmount: 10, Purpose: "x"}, clock)
	require.NoError(t, err)
	f.apps[pending.ID] = pending
	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &pending.ID, TotalValue: 10})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	res, err := f.svc.RequestDrawdown(ctx, admin, Input{ImporterID: "imp-1", CreditApplicationID: &app.ID, TotalValue: 10})
	require.NoError(t, err)
	assert.Equal(t, "imp-1", res.Import.ImporterID)
}

func TestCashImportConsumesNoCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.svc.RequestDrawdown(ctx, importer, Input{TotalValue: 999999})
	require.NoError(t, err)
	assert.False(t, res.Import.UsesCredit())
	assert.Empty(t, res.Obligations)
	assert.Nil(t, res.Available)
	assert.Equal(t, money.Amount(0), f.repo.position("imp-1").Drawn)

	_, err = f.svc.GenerateSchedule(ctx, importer, res.Import.ID)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestScheduleIsGeneratedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)
	res, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 20000})
	require.NoError(t, err)

	_, err = f.svc.GenerateSchedule(ctx, importer, res.Import.ID)
	require.ErrorIs(t, err, schedule.ErrScheduleExists)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	// An import recorded without its schedule gets one on the explicit path.
	f.repo.mu.Lock()
	delete(f.repo.obligations, res.Import.ID)
	f.repo.mu.Unlock()
	obligations, err := f.svc.GenerateSchedule(ctx, importer, res.Import.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(20000), schedule.Total(obligations))
	_, err = f.svc.GenerateSchedule(ctx, importer, res.Import.ID)
	require.ErrorIs(t, err, schedule.ErrScheduleExists)
}

func TestCancelImportReleasesCredit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)
	res, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 20000})
	require.NoError(t, err)

	_, err = f.svc.CancelImport(ctx, bank, res.Import.ID, "no")
	require.ErrorIs(t, err, shared.ErrForbidden)
	_, err = f.svc.CancelImport(ctx, shared.Actor{Role: shared.RoleImporter, ID: "imp-2"}, res.Import.ID, "no")
	require.ErrorIs(t, err, shared.ErrNotFound)

	cancelled, err := f.svc.CancelImport(ctx, importer, res.Import.ID, "supplier failed")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, money.Amount(50000), f.repo.position("imp-1").Available())

	_, err = f.svc.CancelImport(ctx, importer, res.Import.ID, "again")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	assert.Equal(t, money.Amount(50000), f.repo.position("imp-1").Available())

	_, err = f.svc.AdvanceStatus(ctx, importer, res.Import.ID, StatusOrdered)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestAdvanceStatusIsForwardOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	res, err := f.svc.RequestDrawdown(ctx, importer, Input{TotalValue: 100})
	require.NoError(t, err)
	id := res.Import.ID

	imp, err := f.svc.AdvanceStatus(ctx, importer, id, StatusInTransit)
	require.NoError(t, err)
	assert.Equal(t, StatusInTransit, imp.Status)

	_, err = f.svc.AdvanceStatus(ctx, importer, id, StatusOrdered)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, err = f.svc.AdvanceStatus(ctx, importer, id, StatusInTransit)
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	_, err = f.svc.AdvanceStatus(ctx, admin, id, StatusCompleted)
	require.NoError(t, err)
	_, err = f.svc.CancelImport(ctx, importer, id, "late")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestIdempotentDrawdown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)

	_, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 60000, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrInsufficientCredit)

	// A failed attempt releases its key so the client can retry.
	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 1000, IdempotencyKey: "k1"})
	require.NoError(t, err)

	_, err = f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 1000, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	assert.Equal(t, money.Amount(1000), f.repo.position("imp-1").Drawn)
}

func TestMarkOverdue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	app := f.finalized(t, "imp-1", 50000)
	active, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 20000})
	require.NoError(t, err)
	cancelled, err := f.svc.RequestDrawdown(ctx, importer, Input{CreditApplicationID: &app.ID, TotalValue: 1000})
	require.NoError(t, err)
	_, err = f.svc.CancelImport(ctx, importer, cancelled.Import.ID, "dup")
	require.NoError(t, err)

	n, err := f.svc.MarkOverdue(ctx, clock.AddDate(0, 0, 45))
	require.NoError(t, err)
	// down payment and the 30-day installment of the active import.
	assert.Equal(t, int64(2), n)

	obligations, err := f.svc.Obligations(ctx, importer, active.Import.ID)
	require.NoError(t, err)
	assert.Equal(t, schedule.StatusOverdue, obligations[0].Status)
	assert.Equal(t, schedule.StatusOverdue, obligations[1].Status)
	assert.Equal(t, schedule.StatusPending, obligations[2].Status)
}
