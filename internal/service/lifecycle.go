package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/infra/observability"
	"github.com/boddenberg/crm-bfa-go/internal/port"
	"github.com/boddenberg/crm-bfa-go/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var lifecycleTracer = otel.Tracer("service/lifecycle")

// Conversion steps reported by ErrPartialConversion.
const (
	StepCopySubcollections = "copy_subcollections"
	StepWriteDeal          = "write_deal"
	StepDeleteSource       = "delete_source"
)

// LifecycleManager owns the lead -> prospect -> deal pipeline, the field-group
// saves and financing condition tracking.
type LifecycleManager struct {
	records   port.SalesRecordRepository
	companies port.CompanyRepository
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewLifecycleManager(records port.SalesRecordRepository, companies port.CompanyRepository, metrics *observability.Metrics, logger *zap.Logger) *LifecycleManager {
	return &LifecycleManager{
		records:   records,
		companies: companies,
		now:       time.Now,
		metrics:   metrics,
		logger:    logger,
	}
}

// ============================================================
// Conversion
// ============================================================

// ConvertToDeal moves prospects/{id} to deals/{id}. Sub-collection copies run
// first, then the deal write, then the source delete. The source is only
// deleted once everything else succeeded, so a failure leaves the record
// duplicated but never lost, and the conversion can be retried.
func (m *LifecycleManager) ConvertToDeal(ctx context.Context, actor *domain.ResolvedProfile, companyID, prospectID string) (*domain.ConversionResult, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.ConvertToDeal")
	defer span.End()
	span.SetAttributes(
		attribute.String("company.id", companyID),
		attribute.String("prospect.id", prospectID),
	)

	start := time.Now()
	defer func() {
		m.metrics.RecordRequestDuration("convert_to_deal", time.Since(start))
	}()

	src := domain.RecordRef{CompanyID: companyID, Lifecycle: domain.LifecycleProspect, ID: prospectID}
	dst := src.In(domain.LifecycleDeal)

	data, resumed, err := m.prepareConversion(ctx, actor, src, dst)
	if err != nil {
		m.metrics.IncrConversion("rejected")
		return nil, err
	}

	copied, err := m.copySubcollections(ctx, src, dst)
	if err != nil {
		return nil, m.partial(prospectID, StepCopySubcollections, err)
	}

	if err := m.records.Set(ctx, dst, dealDocument(data, companyID, actor.Email)); err != nil {
		return nil, m.partial(prospectID, StepWriteDeal, err)
	}

	if err := m.records.Delete(ctx, src); err != nil {
		return nil, m.partial(prospectID, StepDeleteSource, err)
	}

	m.metrics.IncrConversion("success")
	m.logger.Info("prospect converted to deal",
		zap.String("company_id", companyID),
		zap.String("record_id", prospectID),
		zap.String("converted_by", actor.Email),
		zap.Bool("resumed", resumed),
	)
	return &domain.ConversionResult{
		DealID:    prospectID,
		CompanyID: companyID,
		Copied:    copied,
		Resumed:   resumed,
	}, nil
}

// prepareConversion runs every check that must pass before the first write.
// It reports resumed when deals/{id} is the leftover of an earlier attempt.
func (m *LifecycleManager) prepareConversion(ctx context.Context, actor *domain.ResolvedProfile, src, dst domain.RecordRef) (domain.Document, bool, error) {
	if err := m.authorize(actor, src.CompanyID); err != nil {
		return nil, false, err
	}
	if err := src.Validate(); err != nil {
		return nil, false, err
	}

	data, err := m.records.GetDocument(ctx, src)
	var notFound *domain.ErrNotFound
	switch {
	case errors.As(err, &notFound):
		return nil, false, &domain.ErrValidation{Field: "prospectId", Message: "prospect " + src.ID + " does not exist"}
	case err != nil:
		return nil, false, err
	}
	if !canAccessDocument(actor, data) {
		return nil, false, &domain.ErrForbidden{Action: "convert prospect " + src.ID}
	}

	existing, err := m.records.GetDocument(ctx, dst)
	switch {
	case errors.As(err, &notFound):
		return data, false, nil
	case err != nil:
		return nil, false, err
	}
	if converted, _ := existing["convertedFromProspect"].(bool); !converted {
		return nil, false, &domain.ErrConflict{Message: "deal " + dst.ID + " already exists and was not converted from a prospect"}
	}
	return data, true, nil
}

// copySubcollections copies deposits and documents under the deal, keeping
// their ids so a retry overwrites instead of duplicating.
func (m *LifecycleManager) copySubcollections(ctx context.Context, src, dst domain.RecordRef) (map[domain.Subcollection]int, error) {
	var mu sync.Mutex
	copied := make(map[domain.Subcollection]int, len(domain.ConvertedSubcollections))

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range domain.ConvertedSubcollections {
		g.Go(func() error {
			docs, err := m.records.ListSub(gctx, src, sub)
			if err != nil {
				return err
			}
			for _, d := range docs {
				if err := m.records.SetSub(gctx, dst, sub, d.ID, d.Data); err != nil {
					return err
				}
			}
			mu.Lock()
			copied[sub] = len(docs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return copied, nil
}

func (m *LifecycleManager) partial(prospectID, step string, err error) error {
	m.metrics.IncrConversion("partial")
	m.logger.Error("prospect conversion interrupted",
		zap.String("record_id", prospectID),
		zap.String("step", step),
		zap.Error(err),
	)
	return &domain.ErrPartialConversion{ProspectID: prospectID, Step: step, Err: err}
}

// dealDocument is the prospect's fields without id and null values, plus the
// conversion metadata.
func dealDocument(prospect domain.Document, companyID, convertedBy string) domain.Document {
	deal := make(domain.Document, len(prospect)+7)
	for k, v := range prospect {
		if k == "id" || v == nil {
			continue
		}
		deal[k] = v
	}
	deal["companyId"] = companyID
	deal["convertedFromProspect"] = true
	deal["convertedAt"] = domain.ServerTimestamp
	deal["convertedBy"] = convertedBy
	deal["status"] = domain.StatusActive
	deal["stage"] = domain.StageApplication
	deal["updatedAt"] = domain.ServerTimestamp
	return deal
}

// ============================================================
// Field groups
// ============================================================

// SaveBuyerInfo replaces the buyerInfo group.
func (m *LifecycleManager) SaveBuyerInfo(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, info domain.BuyerInfo) error {
	return m.saveGroup(ctx, actor, ref, "buyerInfo", info)
}

// SaveCoBuyerInfo replaces the coBuyerInfo group.
func (m *LifecycleManager) SaveCoBuyerInfo(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, info domain.CoBuyerInfo) error {
	return m.saveGroup(ctx, actor, ref, "coBuyerInfo", info)
}

// SaveCreditSnapshot replaces the creditSnapshot group.
func (m *LifecycleManager) SaveCreditSnapshot(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, snap domain.CreditSnapshot) error {
	return m.saveGroup(ctx, actor, ref, "creditSnapshot", snap)
}

// SaveFinancingData replaces the financing group and stamps financing.updatedAt.
func (m *LifecycleManager) SaveFinancingData(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, fin domain.Financing) error {
	fin.Normalize()
	fin.UpdatedAt = nil
	doc, err := domain.ToDocument(fin)
	if err != nil {
		return &domain.ErrValidation{Field: "financing", Message: err.Error()}
	}
	doc["updatedAt"] = domain.ServerTimestamp
	return m.saveGroup(ctx, actor, ref, "financing", doc)
}

func (m *LifecycleManager) saveGroup(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, field string, value any) error {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.SaveFieldGroup")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.path", ref.Path()),
		attribute.String("field_group", field),
	)

	if _, err := m.loadForWrite(ctx, actor, ref); err != nil {
		return err
	}
	return m.records.Update(ctx, ref, domain.Document{field: value})
}

// ============================================================
// Financing conditions
// ============================================================

// AddCondition appends an open condition. Blank text leaves the record
// untouched.
func (m *LifecycleManager) AddCondition(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, text string) (*domain.Financing, error) {
	return m.mutateFinancing(ctx, actor, ref, func(l *domain.ConditionLists) (bool, error) {
		_, added := l.Add(text, m.now())
		return added, nil
	})
}

// ClearCondition moves an open condition to the cleared list.
func (m *LifecycleManager) ClearCondition(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, id domain.ConditionID) (*domain.Financing, error) {
	return m.mutateFinancing(ctx, actor, ref, func(l *domain.ConditionLists) (bool, error) {
		if _, ok := l.Clear(id, m.now()); !ok {
			return false, &domain.ErrNotFound{Resource: "condition", ID: string(id)}
		}
		return true, nil
	})
}

// RemoveCondition deletes an open condition.
func (m *LifecycleManager) RemoveCondition(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, id domain.ConditionID) (*domain.Financing, error) {
	return m.mutateFinancing(ctx, actor, ref, func(l *domain.ConditionLists) (bool, error) {
		if !l.Remove(id) {
			return false, &domain.ErrNotFound{Resource: "condition", ID: string(id)}
		}
		return true, nil
	})
}

// RemoveClearedCondition deletes a cleared condition.
func (m *LifecycleManager) RemoveClearedCondition(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, id domain.ConditionID) (*domain.Financing, error) {
	return m.mutateFinancing(ctx, actor, ref, func(l *domain.ConditionLists) (bool, error) {
		if !l.RemoveCleared(id) {
			return false, &domain.ErrNotFound{Resource: "condition", ID: string(id)}
		}
		return true, nil
	})
}

// mutateFinancing is a read-modify-write of the two stored condition lists.
// Other financing fields and untouched entries are written back as stored.
func (m *LifecycleManager) mutateFinancing(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, fn func(*domain.ConditionLists) (bool, error)) (*domain.Financing, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.MutateConditions")
	defer span.End()
	span.SetAttributes(attribute.String("record.path", ref.Path()))

	doc, err := m.loadForWrite(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	merged := domain.Document{}
	if raw, ok := asMap(doc["financing"]); ok {
		for k, v := range raw {
			merged[k] = v
		}
	}
	lists := domain.ConditionListsOf(merged)

	changed, err := fn(&lists)
	if err != nil {
		return nil, err
	}
	merged["conditions"] = lists.Open
	merged["clearedConditions"] = lists.Cleared
	if !changed {
		return m.financingView(ref, merged), nil
	}
	merged["updatedAt"] = domain.ServerTimestamp

	if err := m.records.Update(ctx, ref, domain.Document{"financing": merged}); err != nil {
		return nil, err
	}
	delete(merged, "updatedAt")
	return m.financingView(ref, merged), nil
}

// financingView decodes a financing group for the response, leaving out
// fields that do not fit their type.
func (m *LifecycleManager) financingView(ref domain.RecordRef, financing domain.Document) *domain.Financing {
	rec, mismatched := store.DecodeSalesRecord(ref.CompanyID, ref.ID, domain.Document{"financing": financing})
	if len(mismatched) > 0 {
		m.logger.Warn("financing fields do not match the expected types", zap.String("path", ref.Path()))
	}
	fin := rec.Financing
	if fin == nil {
		fin = &domain.Financing{}
	}
	fin.Normalize()
	return fin
}

// ============================================================
// Records
// ============================================================

// CreateRecord writes a new lead or prospect. Deals only come from conversion.
func (m *LifecycleManager) CreateRecord(ctx context.Context, actor *domain.ResolvedProfile, companyID string, lc domain.Lifecycle, input domain.Document) (*domain.SalesRecord, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.CreateRecord")
	defer span.End()

	if lc != domain.LifecycleLead && lc != domain.LifecycleProspect {
		return nil, &domain.ErrValidation{Field: "lifecycle", Message: "only leads and prospects can be created"}
	}
	if err := m.authorize(actor, companyID); err != nil {
		return nil, err
	}

	doc := newRecordDocument(input)
	doc["companyId"] = companyID
	setDefault(doc, "assignedTo", actor.Email)
	setDefault(doc, "locationId", actor.LocationID())
	setDefault(doc, "stage", domain.StageNew)
	setDefault(doc, "status", domain.StatusActive)

	if !canAccessDocument(actor, doc) {
		return nil, &domain.ErrForbidden{Action: "create " + string(lc) + " outside your scope"}
	}
	doc["createdAt"] = domain.ServerTimestamp
	doc["updatedAt"] = domain.ServerTimestamp

	id, err := m.records.Create(ctx, companyID, lc, doc)
	if err != nil {
		return nil, err
	}
	return m.records.Get(ctx, domain.RecordRef{CompanyID: companyID, Lifecycle: lc, ID: id})
}

// GetRecord returns one record the actor may see.
func (m *LifecycleManager) GetRecord(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef) (*domain.SalesRecord, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.GetRecord")
	defer span.End()

	doc, err := m.loadForWrite(ctx, actor, ref)
	if err != nil {
		return nil, err
	}
	rec, mismatched := store.DecodeSalesRecord(ref.CompanyID, ref.ID, doc)
	if len(mismatched) > 0 {
		m.logger.Warn("record fields do not match the expected types",
			zap.String("path", ref.Path()),
			zap.Strings("fields", mismatched),
		)
	}
	return rec, nil
}

// ListRecords returns the records of one lifecycle state the actor may see.
func (m *LifecycleManager) ListRecords(ctx context.Context, actor *domain.ResolvedProfile, companyID string, lc domain.Lifecycle) ([]domain.SalesRecord, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.ListRecords")
	defer span.End()

	if err := m.authorize(actor, companyID); err != nil {
		return nil, err
	}
	if lc.Collection() == "" {
		return nil, &domain.ErrValidation{Field: "lifecycle", Message: "must be lead, prospect or deal"}
	}
	all, err := m.records.List(ctx, companyID, lc)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SalesRecord, 0, len(all))
	for i := range all {
		if canAccessRecord(actor, all[i].AssignedTo, all[i].LocationID) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// AddActivity appends an entry to one of the record's sub-collections.
func (m *LifecycleManager) AddActivity(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, sub domain.Subcollection, data domain.Document) (string, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.AddActivity")
	defer span.End()
	span.SetAttributes(attribute.String("subcollection", string(sub)))

	if _, ok := domain.ParseSubcollection(string(sub)); !ok {
		return "", &domain.ErrValidation{Field: "subcollection", Message: "unknown sub-collection " + string(sub)}
	}
	if _, err := m.loadForWrite(ctx, actor, ref); err != nil {
		return "", err
	}

	entry := make(domain.Document, len(data)+2)
	for k, v := range data {
		if k != "id" {
			entry[k] = v
		}
	}
	entry["createdAt"] = domain.ServerTimestamp
	entry["createdBy"] = actor.Email
	return m.records.AddSub(ctx, ref, sub, entry)
}

// ListActivity returns the entries of one sub-collection, each with its id.
func (m *LifecycleManager) ListActivity(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef, sub domain.Subcollection) ([]domain.Document, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.ListActivity")
	defer span.End()

	if _, ok := domain.ParseSubcollection(string(sub)); !ok {
		return nil, &domain.ErrValidation{Field: "subcollection", Message: "unknown sub-collection " + string(sub)}
	}
	if _, err := m.loadForWrite(ctx, actor, ref); err != nil {
		return nil, err
	}
	snaps, err := m.records.ListSub(ctx, ref, sub)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.WithID())
	}
	return out, nil
}

// SubmitApplication stores the public loan-application form as a new prospect.
// It needs no principal.
func (m *LifecycleManager) SubmitApplication(ctx context.Context, companyID string, app domain.LoanApplication) (*domain.SalesRecord, error) {
	ctx, span := lifecycleTracer.Start(ctx, "LifecycleManager.SubmitApplication")
	defer span.End()
	span.SetAttributes(attribute.String("company.id", companyID))

	if err := domain.ValidateID("companyId", companyID); err != nil {
		return nil, err
	}
	b := app.BuyerInfo
	if strings.TrimSpace(b.FirstName) == "" || strings.TrimSpace(b.LastName) == "" {
		return nil, &domain.ErrValidation{Field: "buyerInfo", Message: "first and last name are required"}
	}
	if strings.TrimSpace(b.Email) == "" && strings.TrimSpace(b.Phone) == "" {
		return nil, &domain.ErrValidation{Field: "buyerInfo", Message: "email or phone is required"}
	}
	if _, err := m.companies.Get(ctx, companyID); err != nil {
		return nil, err
	}

	doc := domain.Document{
		"firstName": b.FirstName,
		"lastName":  b.LastName,
		"email":     b.Email,
		"phone":     b.Phone,
		"buyerInfo": b,
		"source":    "application",
		"stage":     domain.StageNew,
		"status":    domain.StatusActive,
		"companyId": companyID,
		"createdAt": domain.ServerTimestamp,
		"updatedAt": domain.ServerTimestamp,
	}
	if app.LocationID != "" {
		doc["locationId"] = app.LocationID
	}
	if app.CoBuyerInfo != nil {
		doc["coBuyerInfo"] = app.CoBuyerInfo
	}
	if app.Financing != nil {
		fin := *app.Financing
		fin.Normalize()
		fin.UpdatedAt = nil
		doc["financing"] = fin
	}
	if c := strings.TrimSpace(app.Comments); c != "" {
		doc["comments"] = c
	}

	id, err := m.records.Create(ctx, companyID, domain.LifecycleProspect, doc)
	if err != nil {
		return nil, err
	}
	m.logger.Info("loan application received",
		zap.String("company_id", companyID),
		zap.String("record_id", id),
	)
	return m.records.Get(ctx, domain.RecordRef{CompanyID: companyID, Lifecycle: domain.LifecycleProspect, ID: id})
}

// ============================================================
// Access
// ============================================================

// authorize checks that actor may work inside companyID.
func (m *LifecycleManager) authorize(actor *domain.ResolvedProfile, companyID string) error {
	return authorizeCompany(actor, companyID)
}

// loadForWrite reads the stored fields of a record and checks the actor may
// see it. Only the scoping fields are interpreted.
func (m *LifecycleManager) loadForWrite(ctx context.Context, actor *domain.ResolvedProfile, ref domain.RecordRef) (domain.Document, error) {
	if err := m.authorize(actor, ref.CompanyID); err != nil {
		return nil, err
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	doc, err := m.records.GetDocument(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !canAccessDocument(actor, doc) {
		return nil, &domain.ErrForbidden{Action: "access " + string(ref.Lifecycle) + " " + ref.ID}
	}
	return doc, nil
}

// authorizeCompany requires the actor's own company unless the role sees
// every company.
func authorizeCompany(actor *domain.ResolvedProfile, companyID string) error {
	if actor == nil {
		return &domain.ErrUnauthorized{Message: "no resolved profile"}
	}
	if err := domain.ValidateID("companyId", companyID); err != nil {
		return err
	}
	if actor.Capabilities().CanViewAllCompanies || actor.CompanyID() == companyID {
		return nil
	}
	if actor.CompanyID() == "" {
		return &domain.ErrValidation{Field: "company", Message: "profile has no company scope"}
	}
	return &domain.ErrForbidden{Action: "access company " + companyID}
}

// canAccessRecord applies data and location scoping. Unassigned records and
// records without a location are visible to everyone in the company.
func canAccessRecord(actor *domain.ResolvedProfile, assignedTo, locationID string) bool {
	caps := actor.Capabilities()
	if !caps.CanViewAllData && assignedTo != "" && assignedTo != actor.Email {
		return false
	}
	if !caps.CanViewAllLocations && locationID != "" && locationID != actor.LocationID() {
		return false
	}
	return true
}

func canAccessDocument(actor *domain.ResolvedProfile, doc domain.Document) bool {
	assignedTo, locationID := domain.RecordOwner(doc)
	return canAccessRecord(actor, assignedTo, locationID)
}

// newRecordDocument strips fields the caller may not set on a new record.
func newRecordDocument(input domain.Document) domain.Document {
	doc := make(domain.Document, len(input)+6)
	for k, v := range input {
		switch k {
		case "id", "convertedFromProspect", "convertedAt", "convertedBy", "createdAt", "updatedAt":
			continue
		}
		if v != nil {
			doc[k] = v
		}
	}
	return doc
}

func setDefault(doc domain.Document, key, value string) {
	if value == "" {
		return
	}
	if s, ok := doc[key].(string); !ok || strings.TrimSpace(s) == "" {
		doc[key] = value
	}
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case domain.Document:
		return t, true
	case map[string]any:
		return t, true
	}
	return nil, false
}
