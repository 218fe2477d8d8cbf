package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================
// Sales records (lead / prospect / deal)
// ============================================================

// Lifecycle is the pipeline state of a sales record. The collection a record
// lives in is its state.
type Lifecycle string

const (
	LifecycleLead     Lifecycle = "lead"
	LifecycleProspect Lifecycle = "prospect"
	LifecycleDeal     Lifecycle = "deal"
)

// Collection returns the collection name holding records in this state.
func (l Lifecycle) Collection() string {
	switch l {
	case LifecycleLead:
		return "leads"
	case LifecycleProspect:
		return "prospects"
	case LifecycleDeal:
		return "deals"
	}
	return ""
}

// ParseLifecycle accepts either the state name or its collection name.
func ParseLifecycle(s string) (Lifecycle, bool) {
	switch s {
	case "lead", "leads":
		return LifecycleLead, true
	case "prospect", "prospects":
		return LifecycleProspect, true
	case "deal", "deals":
		return LifecycleDeal, true
	}
	return "", false
}

// Pipeline stages written by the lifecycle manager.
const (
	StageNew         = "new"
	StageApplication = "application"

	StatusActive = "active"
)

// Subcollection names the nested activity collections of a sales record.
type Subcollection string

const (
	SubDeposits     Subcollection = "deposits"
	SubDocuments    Subcollection = "documents"
	SubNotes        Subcollection = "notes"
	SubTasks        Subcollection = "tasks"
	SubCallLogs     Subcollection = "callLogs"
	SubEmails       Subcollection = "emails"
	SubAppointments Subcollection = "appointments"
	SubVisits       Subcollection = "visits"
)

// Subcollections lists every nested collection of a sales record.
var Subcollections = []Subcollection{
	SubDeposits, SubDocuments, SubNotes, SubTasks,
	SubCallLogs, SubEmails, SubAppointments, SubVisits,
}

// ConvertedSubcollections are carried over when a prospect becomes a deal.
var ConvertedSubcollections = []Subcollection{SubDeposits, SubDocuments}

// ParseSubcollection validates a subcollection name.
func ParseSubcollection(s string) (Subcollection, bool) {
	for _, sub := range Subcollections {
		if string(sub) == s {
			return sub, true
		}
	}
	return "", false
}

// RecordRef addresses one sales record.
type RecordRef struct {
	CompanyID string    `json:"companyId"`
	Lifecycle Lifecycle `json:"lifecycle"`
	ID        string    `json:"id"`
}

// Path returns companies/{companyId}/{collection}/{id}.
func (r RecordRef) Path() string {
	return JoinPath(RecordsPath(r.CompanyID, r.Lifecycle), r.ID)
}

// SubPath returns the path of one of the record's subcollections.
func (r RecordRef) SubPath(sub Subcollection) string {
	return JoinPath(r.Path(), string(sub))
}

// In returns the same record id under another lifecycle.
func (r RecordRef) In(lc Lifecycle) RecordRef {
	r.Lifecycle = lc
	return r
}

// Validate checks the ids of the reference.
func (r RecordRef) Validate() error {
	if err := ValidateID("companyId", r.CompanyID); err != nil {
		return err
	}
	if r.Lifecycle.Collection() == "" {
		return &ErrValidation{Field: "lifecycle", Message: "must be lead, prospect or deal"}
	}
	return ValidateID("recordId", r.ID)
}

// SalesRecord is the typed view of a lead, prospect or deal document.
type SalesRecord struct {
	ID                    string          `json:"id"`
	CompanyID             string          `json:"companyId,omitempty"`
	LocationID            string          `json:"locationId,omitempty"`
	FirstName             string          `json:"firstName,omitempty"`
	LastName              string          `json:"lastName,omitempty"`
	Email                 string          `json:"email,omitempty"`
	Phone                 string          `json:"phone,omitempty"`
	Source                string          `json:"source,omitempty"`
	Status                string          `json:"status,omitempty"`
	Stage                 string          `json:"stage,omitempty"`
	AssignedTo            string          `json:"assignedTo,omitempty"`
	BuyerInfo             *BuyerInfo      `json:"buyerInfo,omitempty"`
	CoBuyerInfo           *CoBuyerInfo    `json:"coBuyerInfo,omitempty"`
	Financing             *Financing      `json:"financing,omitempty"`
	CreditSnapshot        *CreditSnapshot `json:"creditSnapshot,omitempty"`
	ConvertedFromProspect bool            `json:"convertedFromProspect,omitempty"`
	ConvertedAt           *time.Time      `json:"convertedAt,omitempty"`
	ConvertedBy           string          `json:"convertedBy,omitempty"`
	CreatedAt             *time.Time      `json:"createdAt,omitempty"`
	UpdatedAt             *time.Time      `json:"updatedAt,omitempty"`
}

// RecordOwner reads the scoping fields of a stored record. Values that are
// not strings are compared in their printed form, so a mistyped owner still
// restricts the record.
func RecordOwner(doc Document) (assignedTo, locationID string) {
	return scopeField(doc["assignedTo"]), scopeField(doc["locationId"])
}

func scopeField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	return fmt.Sprint(v)
}

// Address is a postal address.
type Address struct {
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// BuyerInfo is the applicant field group.
type BuyerInfo struct {
	FirstName        string   `json:"firstName,omitempty"`
	LastName         string   `json:"lastName,omitempty"`
	Email            string   `json:"email,omitempty"`
	Phone            string   `json:"phone,omitempty"`
	DateOfBirth      string   `json:"dateOfBirth,omitempty"`
	Address          *Address `json:"address,omitempty"`
	HousingStatus    string   `json:"housingStatus,omitempty"`
	HousingPayment   float64  `json:"housingPayment,omitempty"`
	Employer         string   `json:"employer,omitempty"`
	JobTitle         string   `json:"jobTitle,omitempty"`
	MonthlyIncome    float64  `json:"monthlyIncome,omitempty"`
	YearsEmployed    float64  `json:"yearsEmployed,omitempty"`
	YearsAtResidence float64  `json:"yearsAtResidence,omitempty"`
}

// CoBuyerInfo is the co-applicant field group.
type CoBuyerInfo struct {
	BuyerInfo
	Relationship string `json:"relationship,omitempty"`
}

// CreditSnapshot is the credit bureau field group.
type CreditSnapshot struct {
	Bureau   string `json:"bureau,omitempty"`
	Score    int    `json:"score,omitempty"`
	Tier     string `json:"tier,omitempty"`
	PulledAt string `json:"pulledAt,omitempty"`
	PulledBy string `json:"pulledBy,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Financing is the lender field group, including stipulation tracking.
type Financing struct {
	Lender            string      `json:"lender,omitempty"`
	AmountFinanced    float64     `json:"amountFinanced,omitempty"`
	DownPayment       float64     `json:"downPayment,omitempty"`
	TermMonths        int         `json:"termMonths,omitempty"`
	APR               float64     `json:"apr,omitempty"`
	MonthlyPayment    float64     `json:"monthlyPayment,omitempty"`
	Status            string      `json:"status,omitempty"`
	Conditions        []Condition `json:"conditions"`
	ClearedConditions []Condition `json:"clearedConditions"`
	UpdatedAt         *time.Time  `json:"updatedAt,omitempty"`
}

// ConditionID identifies a financing condition. Stored ids may be strings or
// numbers; both decode into the same textual form.
type ConditionID string

func (id *ConditionID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ConditionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = ConditionID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = ConditionID(n.String())
	return nil
}

// Condition is a lender stipulation.
type Condition struct {
	ID          ConditionID `json:"id"`
	Text        string      `json:"text"`
	DateAdded   *time.Time  `json:"dateAdded,omitempty"`
	DateCleared *time.Time  `json:"dateCleared,omitempty"`
}

// Normalize replaces nil condition lists with empty ones.
func (f *Financing) Normalize() {
	if f.Conditions == nil {
		f.Conditions = []Condition{}
	}
	if f.ClearedConditions == nil {
		f.ClearedConditions = []Condition{}
	}
}

// ConditionLists are the stored open and cleared condition entries of a
// financing group, kept as written. Every operation touches only the matched
// entry, so the others keep their id type and any extra fields.
type ConditionLists struct {
	Open    []any
	Cleared []any
}

// ConditionListsOf reads the condition entries of a stored financing group.
// A missing or malformed list reads as empty.
func ConditionListsOf(financing map[string]any) ConditionLists {
	return ConditionLists{
		Open:    entriesOf(financing["conditions"]),
		Cleared: entriesOf(financing["clearedConditions"]),
	}
}

// Add appends an open condition. Blank text is a no-op and reports false.
func (l *ConditionLists) Add(text string, now time.Time) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	c := map[string]any{
		"id":        uuid.NewString(),
		"text":      text,
		"dateAdded": now.UTC(),
	}
	l.Open = append(l.Open, c)
	return c, true
}

// Clear moves an open condition to the cleared list, replacing a cleared
// entry with the same id.
func (l *ConditionLists) Clear(id ConditionID, now time.Time) (map[string]any, bool) {
	i := entryIndex(l.Open, id)
	if i < 0 {
		return nil, false
	}
	src, _ := entryMap(l.Open[i])
	c := make(map[string]any, len(src)+1)
	for k, v := range src {
		c[k] = v
	}
	c["dateCleared"] = now.UTC()
	l.Open = append(l.Open[:i:i], l.Open[i+1:]...)

	if j := entryIndex(l.Cleared, id); j >= 0 {
		l.Cleared[j] = c
	} else {
		l.Cleared = append(l.Cleared, c)
	}
	return c, true
}

// Remove deletes an open condition.
func (l *ConditionLists) Remove(id ConditionID) bool {
	i := entryIndex(l.Open, id)
	if i < 0 {
		return false
	}
	l.Open = append(l.Open[:i:i], l.Open[i+1:]...)
	return true
}

// RemoveCleared deletes a cleared condition.
func (l *ConditionLists) RemoveCleared(id ConditionID) bool {
	i := entryIndex(l.Cleared, id)
	if i < 0 {
		return false
	}
	l.Cleared = append(l.Cleared[:i:i], l.Cleared[i+1:]...)
	return true
}

func entriesOf(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return []any{}
	}
	return append(make([]any, 0, len(list)+1), list...)
}

func entryIndex(list []any, id ConditionID) int {
	for i, entry := range list {
		if m, ok := entryMap(entry); ok && conditionIDOf(m["id"]) == id {
			return i
		}
	}
	return -1
}

func entryMap(entry any) (map[string]any, bool) {
	switch t := entry.(type) {
	case map[string]any:
		return t, true
	case Document:
		return t, true
	}
	return nil, false
}

// conditionIDOf reads a stored id the same way ConditionID decodes it.
func conditionIDOf(v any) ConditionID {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var id ConditionID
	if err := id.UnmarshalJSON(raw); err != nil {
		return ""
	}
	return id
}

// ConversionResult describes a completed prospect to deal conversion.
type ConversionResult struct {
	DealID    string                `json:"dealId"`
	CompanyID string                `json:"companyId"`
	Copied    map[Subcollection]int `json:"copied"`
	Resumed   bool                  `json:"resumed"`
}

// LoanApplication is the public credit application form.
type LoanApplication struct {
	LocationID  string       `json:"locationId,omitempty"`
	BuyerInfo   BuyerInfo    `json:"buyerInfo"`
	CoBuyerInfo *CoBuyerInfo `json:"coBuyerInfo,omitempty"`
	Financing   *Financing   `json:"financing,omitempty"`
	Comments    string       `json:"comments,omitempty"`
}
