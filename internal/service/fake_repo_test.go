package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/parcelpay/internal/model"
	"github.com/mmeshcher/parcelpay/internal/repository"
)

// fakeRepo хранит данные в памяти и повторяет контракт PostgresRepository:
// версии записей, единственную активную транзакцию на событие посылки и атомарную архивацию.
type fakeRepo struct {
	mu        sync.Mutex
	packages  map[uuid.UUID]model.Package
	txns      map[uuid.UUID]model.Transaction
	completed map[uuid.UUID]model.CompletedTransaction
	// orders хранит историю заказов шлюза: заказ -> транзакция.
	orders map[string]uuid.UUID

	// staleUpdates заставляет столько вызовов UpdateTransaction вернуть ErrStaleVersion.
	staleUpdates int
	// staleStatusChanges делает то же для ApplyStatusChange.
	staleStatusChanges int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		packages:  make(map[uuid.UUID]model.Package),
		txns:      make(map[uuid.UUID]model.Transaction),
		completed: make(map[uuid.UUID]model.CompletedTransaction),
		orders:    make(map[string]uuid.UUID),
	}
}

func (r *fakeRepo) Close() error { return nil }

func (r *fakeRepo) addPackage(p model.Package) model.Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	r.packages[p.ID] = p
	return p
}

func (r *fakeRepo) addTransaction(t model.Transaction) model.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Status == "" {
		t.Status = model.TransactionStatusPending
	}
	r.txns[t.ID] = t
	return t
}

func (r *fakeRepo) activeForPackage(packageID uuid.UUID) []model.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Transaction
	for _, t := range r.txns {
		if t.PackageID != nil && *t.PackageID == packageID && t.Status.Active() {
			res = append(res, t)
		}
	}
	return res
}

func (r *fakeRepo) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *fakeRepo) GetPackage(ctx context.Context, id uuid.UUID) (*model.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[id]
	if !ok {
		return nil, repository.ErrPackageNotFound
	}
	return &p, nil
}

func (r *fakeRepo) ApplyStatusChange(ctx context.Context, change repository.StatusChange) (*repository.StatusChangeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.packages[change.PackageID]
	if !ok {
		return nil, repository.ErrPackageNotFound
	}
	if r.staleStatusChanges > 0 {
		r.staleStatusChanges--
		p.Version++
		r.packages[p.ID] = p
		return nil, repository.ErrStaleVersion
	}
	if p.Version != change.Version {
		return nil, repository.ErrStaleVersion
	}

	p.Status = change.Status
	if change.Location != nil {
		p.CurrentLocation = *change.Location
	}
	p.Version++
	r.packages[p.ID] = p

	res := &repository.StatusChangeResult{Package: &p}
	if change.Billing == nil {
		return res, nil
	}

	b := change.Billing
	for id, t := range r.txns {
		if t.PackageID == nil || *t.PackageID != p.ID || t.BillingEvent == nil || *t.BillingEvent != b.Event || !t.Status.Active() {
			continue
		}
		t.Status = model.TransactionStatusPending
		t.Description = b.Description
		if b.Dimensions != nil {
			t.Dimensions = b.Dimensions
		}
		t.VolumetricWeight = b.VolumetricWeight
		t.VolumetricUnit = b.VolumetricUnit
		t.Version++
		r.txns[id] = t
		res.Transaction = &t
		return res, nil
	}

	pkgID := p.ID
	event := b.Event
	t := model.Transaction{
		ID:               uuid.New(),
		UserID:           b.UserID,
		PackageID:        &pkgID,
		BillingEvent:     &event,
		Amount:           decimal.Zero,
		Currency:         b.Currency,
		Status:           model.TransactionStatusPending,
		Description:      b.Description,
		Dimensions:       b.Dimensions,
		VolumetricWeight: b.VolumetricWeight,
		VolumetricUnit:   b.VolumetricUnit,
		Version:          1,
		CreatedAt:        time.Now(),
	}
	r.txns[t.ID] = t
	res.Transaction = &t
	res.Created = true
	return res, nil
}

func (r *fakeRepo) GetTransaction(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return &t, nil
}

func (r *fakeRepo) GetTransactionByOrderID(ctx context.Context, orderID string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.txns {
		if t.OrderID != nil && *t.OrderID == orderID {
			return &t, nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (r *fakeRepo) ListTransactions(ctx context.Context, filter model.TransactionFilter) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Transaction
	for _, t := range r.txns {
		if filter.UserID != nil && t.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (r *fakeRepo) ListPendingOrders(ctx context.Context, before time.Time, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.Transaction
	for _, t := range r.txns {
		if t.Status != model.TransactionStatusPending || t.OrderID == nil {
			continue
		}
		if t.LastAttemptAt != nil && !t.LastAttemptAt.Before(before) {
			continue
		}
		res = append(res, t)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (r *fakeRepo) orderTaken(orderID *string, skip uuid.UUID) bool {
	if orderID == nil {
		return false
	}
	if owner, ok := r.orders[*orderID]; ok && owner != skip {
		return true
	}
	for id, t := range r.txns {
		if id != skip && t.OrderID != nil && *t.OrderID == *orderID {
			return true
		}
	}
	return false
}

func (r *fakeRepo) CreateTransaction(ctx context.Context, t *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if r.orderTaken(t.OrderID, t.ID) {
		return repository.ErrOrderIDTaken
	}
	t.Version = 1
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	r.txns[t.ID] = *t
	r.recordOrder(t.OrderID, t.ID)
	return nil
}

func (r *fakeRepo) recordOrder(orderID *string, transactionID uuid.UUID) {
	if orderID != nil {
		r.orders[*orderID] = transactionID
	}
}

func (r *fakeRepo) FindOrderTransactionID(ctx context.Context, orderID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.orders[orderID]
	if !ok {
		return uuid.Nil, repository.ErrTransactionNotFound
	}
	return id, nil
}

func (r *fakeRepo) UpdateTransaction(ctx context.Context, t *model.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.txns[t.ID]
	if !ok {
		return repository.ErrTransactionNotFound
	}
	if r.staleUpdates > 0 {
		r.staleUpdates--
		cur.Version++
		r.txns[cur.ID] = cur
		return repository.ErrStaleVersion
	}
	if cur.Version != t.Version {
		return repository.ErrStaleVersion
	}
	if r.orderTaken(t.OrderID, t.ID) {
		return repository.ErrOrderIDTaken
	}

	cur.OrderID = t.OrderID
	cur.PaymentID = t.PaymentID
	cur.Amount = t.Amount
	cur.Status = t.Status
	cur.PaymentMethod = t.PaymentMethod
	cur.Description = t.Description
	cur.Dimensions = t.Dimensions
	cur.PaymentAttempts = t.PaymentAttempts
	cur.LastAttemptAt = t.LastAttemptAt
	cur.PaidAt = t.PaidAt
	cur.Version++
	cur.UpdatedAt = time.Now()
	r.txns[cur.ID] = cur
	r.recordOrder(cur.OrderID, cur.ID)

	t.Version = cur.Version
	t.UpdatedAt = cur.UpdatedAt
	return nil
}

func (r *fakeRepo) trackingCodeInUse(code string, skip uuid.UUID) bool {
	for id, t := range r.txns {
		if id != skip && t.AdminTrackingCode != nil && *t.AdminTrackingCode == code {
			return true
		}
	}
	for id, c := range r.completed {
		if id != skip && c.AdminTrackingCode != nil && *c.AdminTrackingCode == code {
			return true
		}
	}
	return false
}

func (r *fakeRepo) SetTransactionTrackingCode(ctx context.Context, id uuid.UUID, code string) (*model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trackingCodeInUse(code, id) {
		return nil, repository.ErrTrackingCodeTaken
	}
	t, ok := r.txns[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	t.AdminTrackingCode = &code
	t.Version++
	r.txns[id] = t
	return &t, nil
}

func (r *fakeRepo) findCompleted(transactionID uuid.UUID, orderID *string) (*model.CompletedTransaction, bool) {
	for _, c := range r.completed {
		if c.TransactionID == transactionID {
			return &c, true
		}
		if orderID != nil && c.OrderID != nil && *c.OrderID == *orderID {
			return &c, true
		}
	}
	return nil, false
}

func (r *fakeRepo) ArchiveTransaction(ctx context.Context, id uuid.UUID, opts repository.ArchiveOptions) (*model.CompletedTransaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		if c, found := r.findCompleted(id, nil); found {
			return c, false, nil
		}
		return nil, false, repository.ErrTransactionNotFound
	}
	if t.Status != model.TransactionStatusCompleted {
		return nil, false, repository.ErrNotCompleted
	}

	c, found := r.findCompleted(t.ID, t.OrderID)
	created := false
	if !found {
		nc := model.NewCompletedTransaction(t, opts.CompletedAt)
		nc.CreatedAt = opts.CompletedAt
		r.completed[nc.ID] = nc
		c = &nc
		created = true
	}
	delete(r.txns, id)

	if created && opts.MarkPackageInsured && t.PackageID != nil {
		if p, ok := r.packages[*t.PackageID]; ok && !p.Insured {
			p.Insured = true
			p.Version++
			r.packages[p.ID] = p
		}
	}
	return c, created, nil
}

func (r *fakeRepo) FindCompletedTransaction(ctx context.Context, transactionID uuid.UUID, orderID *string) (*model.CompletedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.findCompleted(transactionID, orderID); ok {
		return c, nil
	}
	return nil, repository.ErrCompletedNotFound
}

func (r *fakeRepo) GetCompletedTransaction(ctx context.Context, id uuid.UUID) (*model.CompletedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.completed[id]
	if !ok {
		return nil, repository.ErrCompletedNotFound
	}
	return &c, nil
}

func (r *fakeRepo) ListCompletedTransactions(ctx context.Context, userID *int64) ([]model.CompletedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []model.CompletedTransaction
	for _, c := range r.completed {
		if userID == nil || c.UserID == *userID {
			res = append(res, c)
		}
	}
	return res, nil
}

func (r *fakeRepo) SetPostCompletionStatus(ctx context.Context, id uuid.UUID, status model.PostCompletionStatus) (*model.CompletedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.completed[id]
	if !ok {
		return nil, repository.ErrCompletedNotFound
	}
	c.PostCompletionStatus = status
	r.completed[id] = c

	if status == model.PostCompletionDispatch && c.PackageID != nil {
		if p, ok := r.packages[*c.PackageID]; ok && p.Status == model.PackageStatusIndia {
			p.Status = model.PackageStatusDispatch
			p.Version++
			r.packages[p.ID] = p
		}
	}
	return &c, nil
}

func (r *fakeRepo) SetCompletedTrackingCode(ctx context.Context, id uuid.UUID, code string, notes *string) (*model.CompletedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.trackingCodeInUse(code, id) {
		return nil, repository.ErrTrackingCodeTaken
	}
	c, ok := r.completed[id]
	if !ok {
		return nil, repository.ErrCompletedNotFound
	}
	c.AdminTrackingCode = &code
	if notes != nil {
		c.Notes = *notes
	}
	r.completed[id] = c
	return &c, nil
}

func (r *fakeRepo) DeleteCompletedTransaction(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.completed[id]; !ok {
		return repository.ErrCompletedNotFound
	}
	delete(r.completed, id)
	return nil
}
