package agentrt

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/hiverun/hive/internal/store"
)

const instructionsRelPath = ".hive/instructions.md"

var instructionsTemplate = template.Must(template.New("instructions").Parse(`# Hive cell instructions

Cell: {{.CellName}} ({{.CellID}})
Workspace: {{.WorkspacePath}}
Workspace root: {{.WorkspaceRootPath}}

## Services
{{range .Services}}- {{.Name}}: port {{.Port}}, http://localhost:{{.Port}}
{{else}}(no services defined for this template)
{{end}}
## Environment hints
{{range .EnvHints}}- {{.}}
{{else}}(none)
{{end}}
## Tools available to you
{{range .Tools}}- {{.}}
{{end}}`))

// instructionsData is the deterministic template input for a cell's
// instructions file: given the same cell, services, and tool list it
// renders byte-identical output.
type instructionsData struct {
	CellID            string
	CellName          string
	WorkspacePath     string
	WorkspaceRootPath string
	Services          []instructionsService
	EnvHints          []string
	Tools             []string
}

type instructionsService struct {
	Name string
	Port int
}

// defaultTools is the fixed list of Hive-provided tools surfaced to
// every agent session.
var defaultTools = []string{
	"hive_service_status",
	"hive_service_logs",
	"hive_service_restart",
}

// writeInstructions renders and writes the deterministic instructions
// file for cell to <workspace>/.hive/instructions.md, per spec §4.5.1.
func writeInstructions(cell store.Cell, services []store.CellService) error {
	sorted := make([]store.CellService, len(services))
	copy(sorted, services)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	data := instructionsData{
		CellID:            cell.ID,
		CellName:          cell.Name,
		WorkspacePath:     cell.WorkspacePath,
		WorkspaceRootPath: cell.WorkspaceRootPath,
		Tools:             defaultTools,
	}
	for _, svc := range sorted {
		if svc.Port == 0 {
			continue
		}
		data.Services = append(data.Services, instructionsService{Name: svc.Name, Port: svc.Port})
	}
	data.EnvHints = envHints(sorted)

	var buf bytes.Buffer
	if err := instructionsTemplate.Execute(&buf, data); err != nil {
		return err
	}

	dir := filepath.Join(cell.WorkspacePath, ".hive")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cell.WorkspacePath, instructionsRelPath), buf.Bytes(), 0644)
}

func envHints(services []store.CellService) []string {
	var hints []string
	for _, svc := range services {
		if svc.Port == 0 {
			continue
		}
		hints = append(hints, sanitizedPortEnvVar(svc.Name)+" is set to this service's port")
	}
	return hints
}

func sanitizedPortEnvVar(serviceName string) string {
	out := make([]rune, 0, len(serviceName)+5)
	for _, r := range serviceName {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-32)
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out) + "_PORT"
}
