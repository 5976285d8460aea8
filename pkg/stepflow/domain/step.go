package domain

type StepType string

const (
	StepTypeStart     StepType = "START"
	StepTypeAction    StepType = "ACTION"
	StepTypeApproval  StepType = "APPROVAL"
	StepTypeCondition StepType = "CONDITION"
	StepTypeParallel  StepType = "PARALLEL"
	StepTypeEnd       StepType = "END"
)

// WorkflowStep is one typed node in a workflow graph. Steps reference each
// other by name; Next holds a single entry for most step types and the full
// fan-out list for PARALLEL steps. RetryCount is carried on the model for
// host applications but is not consumed by the engine.
type WorkflowStep struct {
	ID         int64
	WorkflowID int64
	Name       string
	Type       StepType
	Sequence   int
	Action     *ActionConfig
	Approval   *ApprovalConfig
	Conditions []StepCondition
	Next       []string
	RetryCount int
	IsRequired bool
}

// ActionType names the operation an ACTION step performs.
type ActionType string

const (
	ActionCreateRecord     ActionType = "create_record"
	ActionUpdateRecord     ActionType = "update_record"
	ActionDeleteRecord     ActionType = "delete_record"
	ActionSendNotification ActionType = "send_notification"
	ActionSendEmail        ActionType = "send_email"
	ActionCallWebhook      ActionType = "call_webhook"
	ActionExecuteScript    ActionType = "execute_script"
)

// ActionConfig carries the type-specific payload of an ACTION step. Only the
// fields relevant to the action type are populated.
type ActionConfig struct {
	Type ActionType

	// record actions
	Model    string
	RecordID string
	Data     map[string]any

	// notification and email
	Recipient string
	Subject   string
	Body      string

	// webhook
	URL    string
	Method string

	// script
	Language string
	Script   string

	// ResultKey, when set, stores the action output under this context key.
	ResultKey string
}

// ApprovalConfig carries the payload of an APPROVAL step.
type ApprovalConfig struct {
	ApproverID      string
	Priority        string
	Subject         string
	Description     string
	DueHours        int
	EscalationChain []string
	// OnReject set to "fail" fails the instance directly on rejection
	// instead of resuming it with the rejection result.
	OnReject string
}

const OnRejectFail = "fail"

// StepCondition is one routing predicate of a CONDITION step, evaluated in
// ascending Sequence order. A condition flagged IsDefault is the fallback
// route when no predicate matches.
type StepCondition struct {
	ID        int64
	StepID    int64
	Field     string
	Operator  string
	Value     string
	NextStep  string
	Sequence  int
	IsDefault bool
}

// Condition operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpContains       = "contains"
)
