package access

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/socledger/socledger/internal/metrics"
)

// 2026-10-12 is a Monday; 2026-10-18 is a Sunday.
func at(day, hh, mm, ss int) time.Time {
	return time.Date(2026, time.October, day, hh, mm, ss, 0, time.UTC)
}

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	return NewGate(DefaultTable(), Options{Location: time.UTC})
}

func TestDefaultTable_Valid(t *testing.T) {
	tbl := DefaultTable()
	want := []string{"Analista de Seguridad", "Auditor", "Gerente de Riesgos", "Jefe de SOC", "Usuario"}
	got := tbl.Roles()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("roles: expected %v, got %v", want, got)
	}
	if tbl.DefaultRole() != DefaultRole {
		t.Errorf("default role: expected %q, got %q", DefaultRole, tbl.DefaultRole())
	}
}

func TestCheck_Examples(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		name     string
		role     string
		action   string
		resource string
		now      time.Time
		allowed  bool
	}{
		{"usuario creates on monday morning", "Usuario", "Crear", "Incidente", at(12, 10, 0, 0), true},
		{"usuario creates after hours", "Usuario", "Crear", "Incidente", at(12, 18, 30, 0), false},
		{"auditor reads sunday night", "Auditor", "Ver", "Incidentes", at(18, 23, 0, 0), true},
		{"usuario cannot delete", "Usuario", "Eliminar", "Incidente", at(12, 10, 0, 0), false},
		{"usuario cannot delete sunday", "Usuario", "Eliminar", "Incidente", at(18, 3, 0, 0), false},
		{"usuario weekend", "Usuario", "Crear", "Incidente", at(18, 10, 0, 0), false},
		{"gerente before 08:00", "Gerente de Riesgos", "Ver", "Reportes", at(13, 7, 59, 59), false},
		{"gerente at 08:00", "Gerente de Riesgos", "Ver", "Reportes", at(13, 8, 0, 0), true},
		{"analista exports", "Analista de Seguridad", "Exportar", "Incidentes", at(14, 18, 0, 0), true},
		{"resource match is exact", "Analista de Seguridad", "Editar", "Incidentes", at(14, 10, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Check(tt.role, tt.action, tt.resource, tt.now)
			if d.Allowed != tt.allowed {
				t.Errorf("expected allowed=%v, got %+v", tt.allowed, d)
			}
			if !d.Allowed && d.Reason == "" {
				t.Error("denials must carry a reason")
			}
		})
	}
}

func TestCheck_WindowBoundaries(t *testing.T) {
	g := newTestGate(t)

	tests := []struct {
		now     time.Time
		allowed bool
	}{
		{at(12, 6, 59, 59), false},
		{at(12, 7, 0, 0), true},
		{at(12, 17, 0, 0), true},
		{at(12, 17, 0, 59), true},
		{time.Date(2026, time.October, 12, 17, 0, 59, 999_999_999, time.UTC), true},
		{at(12, 17, 1, 0), false},
	}
	for _, tt := range tests {
		d := g.Check("Usuario", "Crear", "Incidente", tt.now)
		if d.Allowed != tt.allowed {
			t.Errorf("%s: expected allowed=%v, got %+v", tt.now.Format(time.RFC3339Nano), tt.allowed, d)
		}
	}
}

func TestCheck_FullDayWindow(t *testing.T) {
	g := newTestGate(t)
	for _, now := range []time.Time{at(18, 0, 0, 0), at(18, 23, 59, 59)} {
		if d := g.Check("Auditor", "Exportar", "Casos", now); !d.Allowed {
			t.Errorf("%s: auditor should be allowed, got %+v", now, d)
		}
	}
}

func TestCheck_UnknownRoleFallsBackToDefault(t *testing.T) {
	g := newTestGate(t)

	d := g.Check("Intruso", "Crear", "Incidente", at(12, 10, 0, 0))
	if !d.Allowed {
		t.Errorf("unknown role should get Usuario rules, got %+v", d)
	}
	d = g.Check("Intruso", "Ver", "Usuarios", at(12, 10, 0, 0))
	if d.Allowed {
		t.Error("unknown role must not get rules beyond Usuario")
	}
}

func TestCheck_DenyReasons(t *testing.T) {
	g := newTestGate(t)

	d := g.Check("Usuario", "Eliminar", "Incidente", at(12, 10, 0, 0))
	if !strings.Contains(d.Reason, "no permission") {
		t.Errorf("unexpected reason: %q", d.Reason)
	}
	if d.Rule != nil {
		t.Error("no rule should be reported when nothing matched")
	}

	d = g.Check("Usuario", "Crear", "Incidente", at(12, 18, 30, 0))
	if !strings.Contains(d.Reason, "outside permitted hours (07:00 - 17:00)") {
		t.Errorf("unexpected reason: %q", d.Reason)
	}

	err := d.Err()
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != d.Reason {
		t.Errorf("expected *DeniedError with reason, got %v", err)
	}
	if (Decision{Allowed: true}).Err() != nil {
		t.Error("allowed decision must have nil error")
	}
}

func TestCheck_UsesGateLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	g := NewGate(DefaultTable(), Options{Location: loc})

	// 15:00 UTC is 10:00 at UTC-5: inside the window.
	if d := g.Check("Usuario", "Crear", "Incidente", at(12, 15, 0, 0)); !d.Allowed {
		t.Errorf("expected allow at 10:00 local, got %+v", d)
	}
	// 23:30 UTC is 18:30 at UTC-5: outside.
	if d := g.Check("Usuario", "Crear", "Incidente", at(12, 23, 30, 0)); d.Allowed {
		t.Error("expected deny at 18:30 local")
	}
	// Monday 02:00 UTC is Sunday 21:00 at UTC-5: no weekday rule.
	if d := g.Check("Usuario", "Crear", "Incidente", at(12, 2, 0, 0)); d.Allowed {
		t.Error("expected deny on local Sunday")
	}
}

func TestCheckNow_UsesInjectedClock(t *testing.T) {
	now := at(12, 10, 0, 0)
	g := NewGate(DefaultTable(), Options{Location: time.UTC, Now: func() time.Time { return now }})

	if d := g.CheckNow("Usuario", "Crear", "Incidente"); !d.Allowed {
		t.Errorf("expected allow, got %+v", d)
	}
	now = at(12, 18, 30, 0)
	if d := g.CheckNow("Usuario", "Crear", "Incidente"); d.Allowed {
		t.Error("expected deny after clock moved")
	}
}

func TestCheck_RecordsMetrics(t *testing.T) {
	m := metrics.New()
	g := NewGate(DefaultTable(), Options{Location: time.UTC, Metrics: m})

	g.Check("Usuario", "Crear", "Incidente", at(12, 10, 0, 0))
	g.Check("Usuario", "Eliminar", "Incidente", at(12, 10, 0, 0))

	if got := testutilCount(m, "allow"); got != 1 {
		t.Errorf("allow count: expected 1, got %v", got)
	}
	if got := testutilCount(m, "deny"); got != 1 {
		t.Errorf("deny count: expected 1, got %v", got)
	}
}

func TestSwap(t *testing.T) {
	g := newTestGate(t)
	tbl, err := NewTable(map[string][]Rule{
		"Usuario": {{Action: "Eliminar", Resource: "Incidente", Start: "00:00", End: "23:59", Days: allDays}},
	}, "")
	if err != nil {
		t.Fatal(err)
	}

	g.Swap(tbl)
	if d := g.Check("Usuario", "Eliminar", "Incidente", at(12, 10, 0, 0)); !d.Allowed {
		t.Errorf("swapped table should allow, got %+v", d)
	}
	if d := g.Check("Usuario", "Crear", "Incidente", at(12, 10, 0, 0)); d.Allowed {
		t.Error("old rules must be gone after swap")
	}
}

func testutilCount(m *metrics.Metrics, result string) float64 {
	return testutil.ToFloat64(m.AccessDecisions.WithLabelValues(result))
}

// --- table construction ---

func TestNewTable_Validation(t *testing.T) {
	valid := Rule{Action: "Ver", Resource: "Reportes", Start: "08:00", End: "18:00", Days: []int{1}}

	tests := []struct {
		name    string
		modify  func(r *Rule)
		wantErr string
	}{
		{"valid", func(r *Rule) {}, ""},
		{"overnight", func(r *Rule) { r.Start, r.End = "22:00", "06:00" }, "crosses midnight"},
		{"bad start", func(r *Rule) { r.Start = "8" }, "start"},
		{"bad hour", func(r *Rule) { r.End = "24:00" }, "invalid hour"},
		{"bad minute", func(r *Rule) { r.End = "18:60" }, "invalid minute"},
		{"day out of range", func(r *Rule) { r.Days = []int{7} }, "out of range"},
		{"no days", func(r *Rule) { r.Days = nil }, "at least one day"},
		{"no action", func(r *Rule) { r.Action = "" }, "required"},
		{"single minute", func(r *Rule) { r.Start, r.End = "12:00", "12:00" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.modify(&r)
			_, err := NewTable(map[string][]Rule{"Usuario": {r}}, "")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewTable_DefaultRoleMustExist(t *testing.T) {
	_, err := NewTable(map[string][]Rule{
		"Auditor": {{Action: "Ver", Resource: "Reportes", Start: "00:00", End: "23:59", Days: allDays}},
	}, "")
	if err == nil {
		t.Error("expected error when the default role has no rules")
	}
}

func TestNewTable_CopiesInput(t *testing.T) {
	days := []int{1}
	roles := map[string][]Rule{
		"Usuario": {{Action: "Ver", Resource: "Reportes", Start: "08:00", End: "18:00", Days: days}},
	}
	tbl, err := NewTable(roles, "")
	if err != nil {
		t.Fatal(err)
	}
	days[0] = 0
	roles["Usuario"][0].Action = "Borrar"

	r := tbl.RulesFor("Usuario")[0]
	if r.Action != "Ver" || r.Days[0] != 1 {
		t.Errorf("table must not alias its input, got %+v", r)
	}
}

func TestTable_CallersCannotMutate(t *testing.T) {
	g := newTestGate(t)
	now := at(12, 10, 0, 0)

	rules := g.Table().RulesFor("Usuario")
	rules[0].Action = "Borrar"
	rules[0].Days[0] = 0

	d := g.Check("Usuario", "Crear", "Incidente", now)
	if !d.Allowed || d.Rule == nil {
		t.Fatalf("expected allow with a rule, got %+v", d)
	}
	d.Rule.Resource = "Todo"
	d.Rule.Days[0] = 6

	again := g.Check("Usuario", "Crear", "Incidente", now)
	if !again.Allowed || again.Rule.Resource != "Incidente" || again.Rule.Days[0] != 1 {
		t.Errorf("table changed through a returned rule: %+v", again.Rule)
	}
	if got := g.Table().RulesFor("Usuario")[0]; got.Action != "Crear" || got.Days[0] != 1 {
		t.Errorf("table changed through RulesFor: %+v", got)
	}
}

func TestLoadTable_Missing(t *testing.T) {
	tbl, err := LoadTable(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(tbl.Roles()) != 5 {
		t.Errorf("expected built-in table, got roles %v", tbl.Roles())
	}
}

func TestLoadTable_Custom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access_rules.yaml")
	data := `
default_role: Invitado
roles:
  Invitado:
    - action: Ver
      resource: Incidentes
      start: "09:00"
      end: "12:00"
      days: [1, 2]
  Guardia:
    - action: Cerrar
      resource: Incidente
      start: "00:00"
      end: "23:59"
      days: [0, 6]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable: %v", err)
	}
	if tbl.DefaultRole() != "Invitado" {
		t.Errorf("default role: got %q", tbl.DefaultRole())
	}

	g := NewGate(tbl, Options{Location: time.UTC})
	if d := g.Check("Guardia", "Cerrar", "Incidente", at(18, 3, 0, 0)); !d.Allowed {
		t.Errorf("Guardia on Sunday should be allowed, got %+v", d)
	}
	if d := g.Check("Desconocido", "Ver", "Incidentes", at(12, 10, 0, 0)); !d.Allowed {
		t.Errorf("unknown role should fall back to Invitado, got %+v", d)
	}
}

func TestLoadTable_Invalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTable(bad); err == nil {
		t.Error("expected error for invalid YAML")
	}

	overnight := filepath.Join(dir, "overnight.yaml")
	data := "roles:\n  Usuario:\n    - {action: Ver, resource: Incidentes, start: \"22:00\", end: \"06:00\", days: [1]}\n"
	if err := os.WriteFile(overnight, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTable(overnight); err == nil || !strings.Contains(err.Error(), "crosses midnight") {
		t.Errorf("expected overnight rejection, got %v", err)
	}
}

func TestWriteDefaultRules_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access_rules.yaml")
	if err := WriteDefaultRules(path); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadTable(path)
	if err != nil {
		t.Fatalf("reloading written defaults: %v", err)
	}
	def := DefaultTable()
	for _, role := range def.Roles() {
		if len(tbl.RulesFor(role)) != len(def.RulesFor(role)) {
			t.Errorf("role %q: expected %d rules, got %d", role, len(def.RulesFor(role)), len(tbl.RulesFor(role)))
		}
	}
}
