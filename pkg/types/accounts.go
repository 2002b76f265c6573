package types

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
)

type Account struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Status    AccountStatus     `json:"status" yaml:"status"`
	Fields    map[string]string `json:"fields" yaml:"fields"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

// Field looks up an account field. "id" and "name" resolve to the account's
// own attributes when no explicit field of that name exists.
func (a *Account) Field(name string) (string, bool) {
	if v, ok := a.Fields[name]; ok && v != "" {
		return v, true
	}
	switch strings.ToLower(name) {
	case "id":
		return a.ID, a.ID != ""
	case "name":
		return a.Name, a.Name != ""
	}
	return "", false
}

func (a *Account) IsActive() bool { return a.Status == "" || a.Status == AccountActive }

type Environment struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"updated_at"`
}

type Checklist struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Values    []string  `json:"values" yaml:"values"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

type SecurityRule struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty"`
	Payloads  []string  `json:"payloads" yaml:"payloads"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
