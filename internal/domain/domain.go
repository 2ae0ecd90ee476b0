package domain

import "github.com/shopspring/decimal"

type Role string

const (
	RoleInspector  Role = "inspector"
	RoleSupervisor Role = "supervisor"
	RoleContractor Role = "contractor"
	RoleAdmin      Role = "admin"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleInspector, RoleSupervisor, RoleContractor, RoleAdmin:
		return true
	}
	return false
}

type ReportStatus string

const (
	ReportDraft                  ReportStatus = "draft"
	ReportSubmitted              ReportStatus = "submitted"
	ReportApproved               ReportStatus = "approved"
	ReportReturned               ReportStatus = "returned"
	ReportRectificationRequired  ReportStatus = "rectification_required"
	ReportRectificationCompleted ReportStatus = "rectification_completed"
)

func (s ReportStatus) IsValid() bool {
	switch s {
	case ReportDraft, ReportSubmitted, ReportApproved, ReportReturned, ReportRectificationRequired, ReportRectificationCompleted:
		return true
	}
	return false
}

type IncidentStatus string

const (
	IncidentDraft     IncidentStatus = "draft"
	IncidentSubmitted IncidentStatus = "submitted"
	IncidentApproved  IncidentStatus = "approved"
)

func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentDraft, IncidentSubmitted, IncidentApproved:
		return true
	}
	return false
}

// Disposition is the supervisor's decision on an approved incident.
type Disposition string

const (
	DispositionWarning     Disposition = "warning"
	DispositionAttention   Disposition = "attention"
	DispositionPenalty     Disposition = "penalty"
	DispositionNoValidCase Disposition = "no_valid_case"
)

func (d Disposition) IsValid() bool {
	switch d {
	case DispositionWarning, DispositionAttention, DispositionPenalty, DispositionNoValidCase:
		return true
	}
	return false
}

type IncidentType string

const (
	IncidentFirst    IncidentType = "first"
	IncidentRepeated IncidentType = "repeated"
)

func (t IncidentType) IsValid() bool {
	switch t {
	case IncidentFirst, IncidentRepeated:
		return true
	}
	return false
}

// InvoiceSynthesis tracks whether the penalty invoice of an approved incident exists.
type InvoiceSynthesis string

const (
	InvoiceNone          InvoiceSynthesis = "none"
	InvoiceGenerated     InvoiceSynthesis = "generated"
	InvoiceFailedPending InvoiceSynthesis = "failed_pending"
)

type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskReason explains why a task was proposed.
type TaskReason string

const (
	ReasonNeverVisited   TaskReason = "never_visited"
	ReasonRoutineOverdue TaskReason = "routine_overdue"
	ReasonLowScore       TaskReason = "low_score"
	ReasonManual         TaskReason = "manual"
)

func (r TaskReason) IsValid() bool {
	switch r {
	case ReasonNeverVisited, ReasonRoutineOverdue, ReasonLowScore, ReasonManual:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

type NotificationType string

const (
	NotificationInfo  NotificationType = "info"
	NotificationAlert NotificationType = "alert"
)

// ActorContext is the caller identity the engine trusts for authorization.
type ActorContext struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type Actor struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      Role   `json:"role" enum:"inspector,supervisor,contractor,admin"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func (a Actor) Context() ActorContext {
	return ActorContext{ID: a.ID, Name: a.Name, Role: a.Role}
}

type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	MaxScore int    `json:"max_score" yaml:"max_score"`
}

type ChecklistTemplate struct {
	ID    string          `json:"id"`
	Items []ChecklistItem `json:"items"`
}

type Location struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Zone       string `json:"zone"`
	TemplateID string `json:"template_id"`
}

type ScoredItem struct {
	ItemID  string   `json:"item_id"`
	Score   int      `json:"score"`
	Comment string   `json:"comment,omitempty"`
	Defects []string `json:"defects,omitempty"`
	Photos  []string `json:"photos,omitempty"`
}

type InspectionReport struct {
	ID                    string            `json:"id"`
	ReferenceNumber       string            `json:"reference_number,omitempty"`
	InspectorID           string            `json:"inspector_id"`
	LocationID            string            `json:"location_id"`
	Date                  string            `json:"date" format:"date-time"`
	Status                ReportStatus      `json:"status" enum:"draft,submitted,approved,returned,rectification_required,rectification_completed"`
	Items                 []ScoredItem      `json:"items"`
	Template              ChecklistTemplate `json:"template"`
	SupervisorComment     string            `json:"supervisor_comment,omitempty"`
	RectificationActions  string            `json:"rectification_actions,omitempty"`
	RectificationPhotos   []string          `json:"rectification_photos,omitempty"`
	RectificationFeedback string            `json:"rectification_feedback,omitempty"`
	Version               int               `json:"version"`
	CreatedAt             string            `json:"created_at" format:"date-time"`
	UpdatedAt             string            `json:"updated_at" format:"date-time"`
}

type InChargePerson struct {
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
}

// Incident is a discrepancy report (CDR).
type Incident struct {
	ID                   string           `json:"id"`
	ReferenceNumber      string           `json:"reference_number,omitempty"`
	EmployeeID           string           `json:"employee_id"`
	LocationID           string           `json:"location_id"`
	Date                 string           `json:"date"`
	Time                 string           `json:"time"`
	IncidentType         IncidentType     `json:"incident_type,omitempty"`
	InCharge             InChargePerson   `json:"in_charge"`
	ServiceTypes         []string         `json:"service_types"`
	ManpowerDiscrepancy  []string         `json:"manpower_discrepancy"`
	MaterialDiscrepancy  []string         `json:"material_discrepancy"`
	EquipmentDiscrepancy []string         `json:"equipment_discrepancy"`
	OnSpotAction         []string         `json:"on_spot_action"`
	ActionPlan           []string         `json:"action_plan"`
	StaffComment         string           `json:"staff_comment,omitempty"`
	Attachments          []string         `json:"attachments"`
	EmployeeSignature    string           `json:"employee_signature,omitempty"`
	Status               IncidentStatus   `json:"status" enum:"draft,submitted,approved"`
	ManagerDecision      Disposition      `json:"manager_decision,omitempty"`
	ManagerComment       string           `json:"manager_comment,omitempty"`
	ManagerSignature     string           `json:"manager_signature,omitempty"`
	FinalizedDate        string           `json:"finalized_date,omitempty"`
	InvoiceStatus        InvoiceSynthesis `json:"invoice_status" enum:"none,generated,failed_pending"`
	Version              int              `json:"version"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
}

type InvoiceItem struct {
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
}

type PenaltyInvoice struct {
	ID            string          `json:"id"`
	CDRID         string          `json:"cdr_id"`
	CDRReference  string          `json:"cdr_reference"`
	DateGenerated string          `json:"date_generated" format:"date-time"`
	LocationName  string          `json:"location_name"`
	InspectorName string          `json:"inspector_name"`
	Items         []InvoiceItem   `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
}

type InspectionTask struct {
	ID             string       `json:"id"`
	LocationID     string       `json:"location_id"`
	InspectorID    string       `json:"inspector_id"`
	DueDate        string       `json:"due_date" format:"date-time"`
	Priority       TaskPriority `json:"priority" enum:"high,normal,low"`
	Reason         TaskReason   `json:"reason" enum:"never_visited,routine_overdue,low_score,manual"`
	Status         TaskStatus   `json:"status" enum:"pending,completed"`
	GeneratedDate  string       `json:"generated_date" format:"date-time"`
	LinkedReportID *string      `json:"linked_report_id,omitempty"`
}

// TaskProposal is an unpublished task held in the pending batch.
type TaskProposal struct {
	ID          string       `json:"id"`
	LocationID  string       `json:"location_id"`
	InspectorID string       `json:"inspector_id"`
	DueDate     string       `json:"due_date" format:"date-time"`
	Priority    TaskPriority `json:"priority" enum:"high,normal,low"`
	Reason      TaskReason   `json:"reason" enum:"never_visited,routine_overdue,low_score,manual"`
	LastScore   *float64     `json:"last_score,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
}

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Message   string           `json:"message"`
	Type      NotificationType `json:"type" enum:"info,alert"`
	Link      string           `json:"link,omitempty"`
	IsRead    bool             `json:"is_read"`
	Timestamp string           `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
