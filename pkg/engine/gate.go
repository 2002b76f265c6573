package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

type Action string

const (
	ActionKeep     Action = "keep"
	ActionDrop     Action = "drop"
	ActionSuppress Action = "suppress"
)

type Decision struct {
	Action Action
	RuleID string
}

// FindingGate decides, before persistence, whether a candidate finding is
// kept, dropped or stored as suppressed.
type FindingGate interface {
	Decide(ctx context.Context, f *types.Finding) (Decision, error)
}

type KeepAll struct{}

func (KeepAll) Decide(context.Context, *types.Finding) (Decision, error) {
	return Decision{Action: ActionKeep}, nil
}

// GateFunc adapts a function to FindingGate.
type GateFunc func(ctx context.Context, f *types.Finding) (Decision, error)

func (g GateFunc) Decide(ctx context.Context, f *types.Finding) (Decision, error) { return g(ctx, f) }

// Fingerprint identifies a finding across runs: the same source, accounts,
// values and response status sequence hash to the same value.
func Fingerprint(f *types.Finding) string {
	var b strings.Builder
	b.WriteString(f.WorkflowID)
	b.WriteByte('|')
	b.WriteString(f.TemplateID)
	b.WriteByte('|')
	b.WriteString(f.AttackerID)
	b.WriteByte('|')
	b.WriteString(strings.Join(f.VictimIDs, ","))

	keys := make([]string, 0, len(f.Values))
	for k := range f.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f.Values[k])
	}
	for _, ex := range f.Evidence {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(ex.StepOrder))
		b.WriteByte(':')
		if ex.Response != nil {
			b.WriteString(strconv.Itoa(ex.Response.Status))
		}
	}
	hi, lo := murmur3.StringSum128(b.String())
	return fmt.Sprintf("%016x%016x", hi, lo)
}
