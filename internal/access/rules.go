// Package access implements time-bound role-based access control (TRBAC).
//
// A Table maps each role to the (action, resource) pairs it may perform,
// the weekdays on which it may perform them, and a same-day clock window.
// The Gate evaluates one request against the table: the first rule whose
// action, resource, and weekday match decides, and the request is allowed
// only if the current time falls inside that rule's window.
//
// Tables are immutable once built. Windows are same-day only: a rule with
// start after end (an overnight shift) is rejected when the table is built.
package access

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRole is the role whose rules apply when a request carries a role
// the table does not know. It is the most restrictive built-in role.
const DefaultRole = "Usuario"

// Rule grants one (action, resource) pair on the given weekdays inside the
// window [Start, End]. Days use time.Weekday numbering (0 = Sunday).
type Rule struct {
	Action   string `yaml:"action" json:"action"`
	Resource string `yaml:"resource" json:"resource"`
	Start    string `yaml:"start" json:"start"`
	End      string `yaml:"end" json:"end"`
	Days     []int  `yaml:"days" json:"days"`

	// Parsed forms, filled by compile.
	startMin int
	endMin   int
	daySet   uint8
}

func (r *Rule) clone() Rule {
	c := *r
	c.Days = append([]int(nil), r.Days...)
	return c
}

// allowsDay reports whether weekday d (0-6) is in the rule's day set.
func (r *Rule) allowsDay(d int) bool {
	return r.daySet&(1<<uint(d)) != 0
}

// Table is an immutable role → rules mapping.
type Table struct {
	roles       map[string][]Rule
	defaultRole string
}

// tableFile is the YAML envelope for access_rules.yaml.
type tableFile struct {
	DefaultRole string            `yaml:"default_role,omitempty"`
	Roles       map[string][]Rule `yaml:"roles"`
}

// NewTable validates and compiles the given rules into a Table. The input
// map is copied; later changes to it do not affect the table.
func NewTable(roles map[string][]Rule, defaultRole string) (*Table, error) {
	if defaultRole == "" {
		defaultRole = DefaultRole
	}
	if _, ok := roles[defaultRole]; !ok {
		return nil, fmt.Errorf("default role %q has no rules", defaultRole)
	}

	t := &Table{roles: make(map[string][]Rule, len(roles)), defaultRole: defaultRole}
	for role, rules := range roles {
		compiled := make([]Rule, len(rules))
		for i, r := range rules {
			r.Days = append([]int(nil), r.Days...)
			if err := compile(&r); err != nil {
				return nil, fmt.Errorf("role %q rule %d (%s %s): %w", role, i, r.Action, r.Resource, err)
			}
			compiled[i] = r
		}
		t.roles[role] = compiled
	}
	return t, nil
}

// RulesFor returns a copy of the rules for role, falling back to the
// default role's rules when role is unknown.
func (t *Table) RulesFor(role string) []Rule {
	rules := t.rulesFor(role)
	out := make([]Rule, len(rules))
	for i := range rules {
		out[i] = rules[i].clone()
	}
	return out
}

func (t *Table) rulesFor(role string) []Rule {
	if rules, ok := t.roles[role]; ok {
		return rules
	}
	return t.roles[t.defaultRole]
}

// DefaultRole returns the fallback role of this table.
func (t *Table) DefaultRole() string {
	return t.defaultRole
}

// Roles returns the role names in the table, sorted.
func (t *Table) Roles() []string {
	names := make([]string, 0, len(t.roles))
	for name := range t.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadTable reads a rule table from a YAML file. A missing or empty file
// yields the built-in table.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultTable(), nil
		}
		return nil, fmt.Errorf("reading access rules %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return DefaultTable(), nil
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing access rules %s: %w", path, err)
	}
	t, err := NewTable(file.Roles, file.DefaultRole)
	if err != nil {
		return nil, fmt.Errorf("invalid access rules %s: %w", path, err)
	}
	return t, nil
}

// WriteDefaultRules writes the built-in table to path as YAML.
func WriteDefaultRules(path string) error {
	data, err := yaml.Marshal(&tableFile{DefaultRole: DefaultRole, Roles: defaultRules()})
	if err != nil {
		return fmt.Errorf("marshaling access rules: %w", err)
	}
	header := "# socledger access rules\n" +
		"# days: 0 = Sunday ... 6 = Saturday; start/end are same-day HH:MM (end minute inclusive)\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// compile parses the clock window and day set of a rule.
func compile(r *Rule) error {
	if r.Action == "" || r.Resource == "" {
		return fmt.Errorf("action and resource are required")
	}
	start, err := parseClock(r.Start)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(r.End)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if start > end {
		return fmt.Errorf("window %s-%s crosses midnight; only same-day windows are supported", r.Start, r.End)
	}
	if len(r.Days) == 0 {
		return fmt.Errorf("at least one day is required")
	}

	var set uint8
	for _, d := range r.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("day %d out of range (0-6)", d)
		}
		set |= 1 << uint(d)
	}

	r.startMin, r.endMin, r.daySet = start, end, set
	return nil
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
