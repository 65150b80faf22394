package access

var (
	weekdays = []int{1, 2, 3, 4, 5}
	allDays  = []int{0, 1, 2, 3, 4, 5, 6}
)

// DefaultTable returns the built-in rule table. It panics only if the
// built-in rules themselves are invalid, which tests guard against.
func DefaultTable() *Table {
	t, err := NewTable(defaultRules(), DefaultRole)
	if err != nil {
		panic("access: invalid built-in rules: " + err.Error())
	}
	return t
}

// defaultRules returns the SOC role matrix:
//   - Usuario: reports and follows up on own incidents, office hours
//   - Analista de Seguridad: triage, classification, monthly reports
//   - Jefe de SOC: authorizes and closes incidents, sees users
//   - Gerente de Riesgos: reporting only
//   - Auditor: read and export, any day, any hour
func defaultRules() map[string][]Rule {
	return map[string][]Rule{
		"Usuario": {
			{Action: "Crear", Resource: "Incidente", Start: "07:00", End: "17:00", Days: weekdays},
			{Action: "Ver", Resource: "Incidentes", Start: "07:00", End: "17:00", Days: weekdays},
			{Action: "Editar", Resource: "Incidentes", Start: "07:00", End: "17:00", Days: weekdays},
			{Action: "Adjuntar", Resource: "Evidencia", Start: "07:00", End: "17:00", Days: weekdays},
		},
		"Analista de Seguridad": {
			{Action: "Ver", Resource: "Incidentes", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Editar", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Clasificar", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Cambiar estado", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Generar", Resource: "Reporte mensual", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Ver", Resource: "Reportes", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Visualizar", Resource: "Dashboard de incidentes", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Exportar", Resource: "Incidentes", Start: "07:00", End: "19:00", Days: weekdays},
		},
		"Jefe de SOC": {
			{Action: "Ver", Resource: "Incidentes", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Editar", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Autorizar", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Cerrar", Resource: "Incidente", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Generar", Resource: "Reporte mensual", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Ver", Resource: "Reportes", Start: "07:00", End: "19:00", Days: weekdays},
			{Action: "Ver", Resource: "Usuarios", Start: "07:00", End: "19:00", Days: weekdays},
		},
		"Gerente de Riesgos": {
			{Action: "Generar", Resource: "Reporte mensual", Start: "08:00", End: "18:00", Days: weekdays},
			{Action: "Ver", Resource: "Reportes", Start: "08:00", End: "18:00", Days: weekdays},
			{Action: "Exportar", Resource: "Reportes", Start: "08:00", End: "18:00", Days: weekdays},
		},
		"Auditor": {
			{Action: "Ver", Resource: "Reportes mensuales", Start: "00:00", End: "23:59", Days: allDays},
			{Action: "Ver", Resource: "Reportes", Start: "00:00", End: "23:59", Days: allDays},
			{Action: "Ver", Resource: "Incidentes", Start: "00:00", End: "23:59", Days: allDays},
			{Action: "Exportar", Resource: "Casos", Start: "00:00", End: "23:59", Days: allDays},
		},
	}
}
