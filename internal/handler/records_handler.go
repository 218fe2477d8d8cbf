package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
	"github.com/boddenberg/crm-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Records: leads, prospects, deals
// ============================================================

func listRecordsHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies/{companyId}/{lifecycle}")
		defer span.End()

		lc, ok := domain.ParseLifecycle(chi.URLParam(r, "lifecycle"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown collection")
			return
		}
		records, err := lm.ListRecords(ctx, ProfileFromContext(ctx), chi.URLParam(r, "companyId"), lc)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.SalesRecord]{Data: records, Total: len(records)})
	}
}

func createRecordHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/{lifecycle}")
		defer span.End()

		lc, ok := domain.ParseLifecycle(chi.URLParam(r, "lifecycle"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown collection")
			return
		}
		var input domain.Document
		if !decodeBody(w, r, &input) {
			return
		}
		record, err := lm.CreateRecord(ctx, ProfileFromContext(ctx), chi.URLParam(r, "companyId"), lc, input)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	}
}

func getRecordHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies/{companyId}/{lifecycle}/{recordId}")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		record, err := lm.GetRecord(ctx, ProfileFromContext(ctx), ref)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

// ============================================================
// Field groups
// ============================================================

// fieldGroupHandler decodes a T body and hands it to save.
func fieldGroupHandler[T any](name string, save func(context.Context, *domain.ResolvedProfile, domain.RecordRef, T) error, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/companies/{companyId}/{lifecycle}/{recordId}/"+name)
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		var body T
		if !decodeBody(w, r, &body) {
			return
		}
		if err := save(ctx, ProfileFromContext(ctx), ref, body); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: name + " saved", ID: ref.ID})
	}
}

func saveBuyerInfoHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return fieldGroupHandler("buyer-info", lm.SaveBuyerInfo, logger)
}

func saveCoBuyerInfoHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return fieldGroupHandler("co-buyer-info", lm.SaveCoBuyerInfo, logger)
}

func saveFinancingHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return fieldGroupHandler("financing", lm.SaveFinancingData, logger)
}

func saveCreditSnapshotHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return fieldGroupHandler("credit-snapshot", lm.SaveCreditSnapshot, logger)
}

// ============================================================
// Financing conditions
// ============================================================

func addConditionHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/{lifecycle}/{recordId}/financing/conditions")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		fin, err := lm.AddCondition(ctx, ProfileFromContext(ctx), ref, req.Text)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, fin)
	}
}

type conditionOp func(context.Context, *domain.ResolvedProfile, domain.RecordRef, domain.ConditionID) (*domain.Financing, error)

// conditionHandler serves the clear and remove operations on one condition.
func conditionHandler(op conditionOp, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" /v1/companies/{companyId}/{lifecycle}/{recordId}/financing/conditions/{conditionId}")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		id := domain.ConditionID(chi.URLParam(r, "conditionId"))
		span.SetAttributes(attribute.String("condition.id", string(id)))

		fin, err := op(ctx, ProfileFromContext(ctx), ref, id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, fin)
	}
}

// ============================================================
// Activity sub-collections
// ============================================================

func listActivityHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/companies/{companyId}/{lifecycle}/{recordId}/activity/{subcollection}")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		sub := domain.Subcollection(chi.URLParam(r, "subcollection"))
		items, err := lm.ListActivity(ctx, ProfileFromContext(ctx), ref, sub)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, domain.ListResponse[domain.Document]{Data: items, Total: len(items)})
	}
}

func addActivityHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/{lifecycle}/{recordId}/activity/{subcollection}")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		var data domain.Document
		if !decodeBody(w, r, &data) {
			return
		}
		sub := domain.Subcollection(chi.URLParam(r, "subcollection"))
		id, err := lm.AddActivity(ctx, ProfileFromContext(ctx), ref, sub, data)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, domain.SuccessResponse{Message: string(sub) + " entry added", ID: id})
	}
}

// ============================================================
// Conversion
// ============================================================

func convertHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/companies/{companyId}/prospects/{prospectId}/convert")
		defer span.End()

		ref, err := recordRef(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		if ref.Lifecycle != domain.LifecycleProspect {
			writeError(w, http.StatusNotFound, "only prospects can be converted")
			return
		}
		result, err := lm.ConvertToDeal(ctx, ProfileFromContext(ctx), ref.CompanyID, ref.ID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// ============================================================
// Public loan application
// ============================================================

func submitApplicationHandler(lm *service.LifecycleManager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/public/companies/{companyId}/applications")
		defer span.End()

		if lm == nil {
			writeError(w, http.StatusServiceUnavailable, "applications unavailable")
			return
		}
		var app domain.LoanApplication
		if !decodeBody(w, r, &app) {
			return
		}
		record, err := lm.SubmitApplication(ctx, chi.URLParam(r, "companyId"), app)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, record)
	}
}
