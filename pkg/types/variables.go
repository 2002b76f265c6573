package types

import "time"

type DataSource string

const (
	SourceLiteral         DataSource = "literal"
	SourceChecklist       DataSource = "checklist"
	SourceSecurityRule    DataSource = "security_rule"
	SourceAccountField    DataSource = "account_field"
	SourceWorkflowContext DataSource = "workflow_context"
)

type AccountRole string

const (
	RoleAttacker AccountRole = "attacker"
	RoleVictim   AccountRole = "victim"
	RoleNeutral  AccountRole = "neutral"
)

type ScopeMode string

const (
	ScopeAll     ScopeMode = "all"
	ScopeOnly    ScopeMode = "only"
	ScopeExclude ScopeMode = "exclude"
)

type AccountScope struct {
	Mode       ScopeMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	AccountIDs []string  `json:"account_ids,omitempty" yaml:"account_ids,omitempty"`
}

// Allows reports whether the account is eligible under the scope.
func (s AccountScope) Allows(accountID string) bool {
	switch s.Mode {
	case ScopeOnly:
		return contains(s.AccountIDs, accountID)
	case ScopeExclude:
		return !contains(s.AccountIDs, accountID)
	}
	return true
}

type VariableTarget struct {
	StepOrder int      `json:"step_order" yaml:"step_order"`
	Location  Location `json:"location" yaml:"location"`
}

// VariableConfig declares where a substituted value comes from and where it
// is written. Template-scoped configs use StepOrder 0 in their targets.
type VariableConfig struct {
	ID             string           `json:"id" yaml:"id"`
	WorkflowID     string           `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	TemplateID     string           `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Name           string           `json:"name" yaml:"name"`
	DataSource     DataSource       `json:"data_source" yaml:"data_source"`
	Values         []string         `json:"values,omitempty" yaml:"values,omitempty"`
	ChecklistID    string           `json:"checklist_id,omitempty" yaml:"checklist_id,omitempty"`
	SecurityRuleID string           `json:"security_rule_id,omitempty" yaml:"security_rule_id,omitempty"`
	AccountField   string           `json:"account_field,omitempty" yaml:"account_field,omitempty"`
	Role           AccountRole      `json:"role,omitempty" yaml:"role,omitempty"`
	AccountScope   AccountScope     `json:"account_scope" yaml:"account_scope"`
	ContextKey     string           `json:"context_key,omitempty" yaml:"context_key,omitempty"`
	Targets        []VariableTarget `json:"targets" yaml:"targets"`
	CreatedAt      time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" yaml:"updated_at"`
}

func (c *VariableConfig) IsAccountBound() bool { return c.DataSource == SourceAccountField }

// EffectiveRole treats an unset role as neutral.
func (c *VariableConfig) EffectiveRole() AccountRole {
	if c.Role == "" {
		return RoleNeutral
	}
	return c.Role
}

type VariableType string

const (
	VarIdentity   VariableType = "IDENTITY"
	VarFlowTicket VariableType = "FLOW_TICKET"
	VarObjectID   VariableType = "OBJECT_ID"
	VarGeneric    VariableType = "GENERIC"
	VarNoise      VariableType = "NOISE"
)

type WritePolicy string

const (
	WriteFirst         WritePolicy = "first"
	WriteOverwrite     WritePolicy = "overwrite"
	WriteOnSuccessOnly WritePolicy = "on_success_only"
)

type VariableSource string

const (
	VarSourceLearned VariableSource = "learned"
	VarSourceManual  VariableSource = "manual"
)

type WorkflowVariable struct {
	ID           string         `json:"id" yaml:"id"`
	WorkflowID   string         `json:"workflow_id" yaml:"workflow_id"`
	Name         string         `json:"name" yaml:"name"`
	Type         VariableType   `json:"type" yaml:"type"`
	Source       VariableSource `json:"source" yaml:"source"`
	WritePolicy  WritePolicy    `json:"write_policy" yaml:"write_policy"`
	IsLocked     bool           `json:"is_locked" yaml:"is_locked"`
	CurrentValue string         `json:"current_value,omitempty" yaml:"current_value,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"updated_at"`
}

type MappingReason string

const (
	ReasonSameName  MappingReason = "same_name"
	ReasonSameValue MappingReason = "same_value"
	ReasonHeuristic MappingReason = "heuristic"
	ReasonManual    MappingReason = "manual"
)

type WorkflowMapping struct {
	ID            string        `json:"id" yaml:"id"`
	WorkflowID    string        `json:"workflow_id" yaml:"workflow_id"`
	VariableName  string        `json:"variable_name" yaml:"variable_name"`
	FromStepOrder int           `json:"from_step_order" yaml:"from_step_order"`
	FromLocation  Location      `json:"from_location" yaml:"from_location"`
	ToStepOrder   int           `json:"to_step_order" yaml:"to_step_order"`
	ToLocation    Location      `json:"to_location" yaml:"to_location"`
	Confidence    float64       `json:"confidence" yaml:"confidence"`
	Reason        MappingReason `json:"reason" yaml:"reason"`
	IsEnabled     bool          `json:"is_enabled" yaml:"is_enabled"`
	CreatedAt     time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" yaml:"updated_at"`
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
