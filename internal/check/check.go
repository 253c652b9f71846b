// Package check validates a rule set written as YAML against a field
// catalog and scores sample records with it, without persisting anything.
//
// File layout:
//
//	object: Lead
//	criteria:
//	  - name: Big budget
//	    score: 70
//	    combinator: ALL
//	    conditions:
//	      - {field: Budget__c, operator: ">", value: "1000"}
//	      - {field: Visit_Date__c, operator: between, from: 2024-01-01, to: 2024-03-31}
//	records:
//	  - {Budget__c: 5000, Visit_Date__c: 2024-02-10}
package check

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/scoring"
	"github.com/solatis/crmrules/internal/types"
	"gopkg.in/yaml.v3"
)

// File is a rule set under test plus the records to score with it.
type File struct {
	Object   string           `yaml:"object"`
	Criteria []Criteria       `yaml:"criteria"`
	Records  []map[string]any `yaml:"records"`
}

// Criteria is one rule group.
type Criteria struct {
	Name       string      `yaml:"name"`
	Score      string      `yaml:"score"`
	Combinator string      `yaml:"combinator"`
	Logic      string      `yaml:"logic"`
	Conditions []Condition `yaml:"conditions"`
}

// Condition is one row. From/To are used for between on DATE and DATETIME
// fields; other types take the scalar Value.
type Condition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// Report is the outcome of Run. Results is empty when Violations is not.
type Report struct {
	Violations types.ValidationErrors
	Results    []scoring.Result
}

// Decode reads a check file. Unknown keys are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode check file: %w", err)
	}
	if strings.TrimSpace(f.Object) == "" {
		return nil, fmt.Errorf("decode check file: object is required")
	}
	return &f, nil
}

// Groups converts the file's criteria into rule groups. A missing
// combinator means ALL.
func (f *File) Groups() ([]*types.RuleGroup, error) {
	groups := make([]*types.RuleGroup, 0, len(f.Criteria))
	for i, c := range f.Criteria {
		g := &types.RuleGroup{
			RowID:      types.NewRowID(),
			Serial:     i + 1,
			Name:       c.Name,
			Combinator: types.Combinator(c.Combinator),
			Expression: c.Logic,
		}
		if c.Combinator == "" {
			g.Combinator = types.CombinatorAll
		} else if parsed, ok := types.ParseCombinator(c.Combinator); ok {
			g.Combinator = parsed
		}
		if c.Score != "" {
			score, err := decimal.NewFromString(c.Score)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid score %q", rules.GroupPath(i), c.Score)
			}
			g.Score = decimal.NewNullDecimal(score)
		}

		for j, cond := range c.Conditions {
			g.Conditions = append(g.Conditions, &types.ConditionRow{
				RowID:    types.NewRowID(),
				Serial:   j + 1,
				Field:    strings.TrimSpace(cond.Field),
				Operator: cond.Operator,
				Value:    cond.Value,
				From:     cond.From,
				To:       cond.To,
			})
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Run resolves every field through resolver, validates the rule set and,
// when it is valid and compiles, scores each record.
func Run(ctx context.Context, resolver rules.FieldResolver, f *File, concurrency int) (Report, error) {
	groups, err := f.Groups()
	if err != nil {
		return Report{}, err
	}
	if err := rules.Reresolve(ctx, resolver, f.Object, groups, concurrency); err != nil {
		return Report{}, err
	}
	if errs := rules.ValidateGroups(groups); len(errs) > 0 {
		return Report{Violations: errs}, nil
	}

	// Logic that passes the range check can still fail to parse
	compiled := scoring.CompileAll(groups)
	var errs types.ValidationErrors
	for i, cg := range compiled {
		if cg.Err != nil {
			errs.Add(rules.GroupPath(i), "%v", errors.Unwrap(cg.Err))
		}
	}
	if len(errs) > 0 {
		return Report{Violations: errs}, nil
	}

	var report Report
	for i, record := range f.Records {
		res, err := scoring.Evaluate(compiled, record)
		if err != nil {
			return Report{}, fmt.Errorf("record %d: %w", i+1, err)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}
