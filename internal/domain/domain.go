package domain

// EntityType names a kind of workflow record.
type EntityType string

const (
	EntityApplication EntityType = "application"
	EntityTask        EntityType = "task"
	EntityRequest     EntityType = "request"
	EntityEmployee    EntityType = "employee"
)

// EntityTypes lists every entity kind the engine stores.
var EntityTypes = []EntityType{EntityApplication, EntityTask, EntityRequest, EntityEmployee}

// Role is the authorization class of an identity.
type Role string

const (
	RoleCS  Role = "CS"
	RoleSCS Role = "SCS"
	RoleAM  Role = "AM"
	RoleFM  Role = "FM"
	RoleHR  Role = "HR"
	RolePM  Role = "PM"
	RoleSM  Role = "SM"
	RoleSub Role = "Sub"
)

// Roles lists the role codes known to the engine.
var Roles = []Role{RoleCS, RoleSCS, RoleAM, RoleFM, RoleHR, RolePM, RoleSM, RoleSub}

func KnownRole(r Role) bool {
	for _, known := range Roles {
		if known == r {
			return true
		}
	}
	return false
}

func KnownEntity(t EntityType) bool {
	for _, known := range EntityTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Action is a named transition trigger.
type Action string

const (
	ActionCreate        Action = "create"
	ActionApprove       Action = "approve"
	ActionReject        Action = "reject"
	ActionComment       Action = "comment"
	ActionOpen          Action = "open"
	ActionSetInProgress Action = "setInProgress"
	ActionClose         Action = "close"
	ActionAssignTask    Action = "assignTask"
	ActionAssign        Action = "assign"
)

// Application statuses.
const (
	AppReviewing  = "reviewing"
	AppApproved   = "approved"
	AppRejected   = "rejected"
	AppOpen       = "open"
	AppInProgress = "in_progress"
	AppClosed     = "closed"
)

// Task statuses.
const (
	TaskUnassigned = "unassigned"
	TaskAssigned   = "assigned"
	TaskCommented  = "commented"
)

// Request statuses.
const (
	ReqSubmitted = "submitted"
	ReqReviewing = "reviewing"
	ReqApproved  = "approved"
	ReqRejected  = "rejected"
)

// Request kinds.
const (
	KindBudget   = "budget"
	KindResource = "resource"
)

// Entity is implemented by every versioned workflow record.
type Entity interface {
	EntityType() EntityType
	EntityID() string
	CurrentStatus() string
	CurrentVersion() int64
}

// Comment is one entry of an append-only comment log.
type Comment struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	At     string `json:"at" format:"date-time"`
}

type Application struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Status            string    `json:"status" enum:"reviewing,approved,rejected,open,in_progress,closed"`
	NeedsReview       bool      `json:"needs_review"`
	FinancialComment  string    `json:"financial_comment,omitempty"`
	FinancialComments []Comment `json:"financial_comments,omitempty"`
	RejectionReason   string    `json:"rejection_reason,omitempty"`
	CreatedBy         string    `json:"created_by"`
	Version           int64     `json:"version"`
	CreatedAt         string    `json:"created_at" format:"date-time"`
	UpdatedAt         string    `json:"updated_at" format:"date-time"`
}

func (a *Application) EntityType() EntityType { return EntityApplication }
func (a *Application) EntityID() string       { return a.ID }
func (a *Application) CurrentStatus() string  { return a.Status }
func (a *Application) CurrentVersion() int64  { return a.Version }

type Task struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	AssigneeID    *string   `json:"assignee_id,omitempty"`
	Comments      []Comment `json:"comments,omitempty"`
	Status        string    `json:"status" enum:"unassigned,assigned,commented"`
	CreatedBy     string    `json:"created_by"`
	Version       int64     `json:"version"`
	CreatedAt     string    `json:"created_at" format:"date-time"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

func (t *Task) EntityType() EntityType { return EntityTask }
func (t *Task) EntityID() string       { return t.ID }
func (t *Task) CurrentStatus() string  { return t.Status }
func (t *Task) CurrentVersion() int64  { return t.Version }

type Request struct {
	ID            string `json:"id"`
	Kind          string `json:"kind" enum:"budget,resource"`
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status" enum:"submitted,reviewing,approved,rejected"`
	CreatedBy     string `json:"created_by"`
	DecidedBy     string `json:"decided_by,omitempty"`
	Version       int64  `json:"version"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

func (r *Request) EntityType() EntityType { return EntityRequest }
func (r *Request) EntityID() string       { return r.ID }
func (r *Request) CurrentStatus() string  { return r.Status }
func (r *Request) CurrentVersion() int64  { return r.Version }

// Employee is an assignment target; it has no lifecycle of its own.
type Employee struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	CreatedBy  string `json:"created_by"`
	Version    int64  `json:"version"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

func (e *Employee) EntityType() EntityType { return EntityEmployee }
func (e *Employee) EntityID() string       { return e.ID }
func (e *Employee) CurrentStatus() string  { return "" }
func (e *Employee) CurrentVersion() int64  { return e.Version }

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
