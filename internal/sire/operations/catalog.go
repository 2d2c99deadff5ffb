// Package operations is the closed set of remote registry operations a ticket
// can drive. Each variant carries its parameter validation, its submission
// endpoint and its lifetime; the orchestrator resolves the table once.
package operations

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	dErrors "sire/pkg/domain-errors"
)

// Type names an operation variant.
type Type string

const (
	ExportProposal         Type = "export-proposal"
	AcceptProposal         Type = "accept-proposal"
	ReplaceProposal        Type = "replace-proposal"
	RegisterPreliminary    Type = "register-preliminary"
	ExportInconsistencies  Type = "export-inconsistencies"
	ExportSummary          Type = "export-summary"
	ExportPurchaseRegistry Type = "export-purchase-registry"
	CancelProcess          Type = "cancel-process"
	BulkDownload           Type = "bulk-download"
)

// Validator checks and normalizes operation parameters at now.
type Validator func(params map[string]string, now time.Time) (map[string]string, error)

// Spec describes one operation variant.
type Spec struct {
	Type              Type
	Method            string
	Path              string
	ProducesFile      bool
	Expiry            time.Duration
	EstimatedDuration time.Duration
	validate          Validator
}

// Validate runs the variant's parameter rules and returns the normalized params.
func (s Spec) Validate(params map[string]string, now time.Time) (map[string]string, error) {
	if s.validate == nil {
		return copyParams(params), nil
	}
	return s.validate(params, now)
}

// SubmitPath expands the path template with the ticket parameters.
func (s Spec) SubmitPath(params map[string]string) string {
	return Expand(s.Path, params)
}

// Catalog is the lookup table of operation variants.
type Catalog struct {
	specs map[Type]Spec
}

// Default returns the catalog with the provider's documented paths.
func Default() *Catalog {
	specs := []Spec{
		{
			Type:              ExportProposal,
			Method:            http.MethodGet,
			Path:              "/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/{period}/exportapropuesta?codTipoArchivo={fileType}",
			ProducesFile:      true,
			Expiry:            2 * time.Hour,
			EstimatedDuration: 30 * time.Second,
			validate:          chain(requirePeriod("period"), fileType),
		},
		{
			Type:              AcceptProposal,
			Method:            http.MethodPost,
			Path:              "/contribuyente/migeigv/libros/rvie/propuesta/web/propuesta/{period}/aceptapropuesta",
			Expiry:            time.Hour,
			EstimatedDuration: 20 * time.Second,
			validate:          chain(requirePeriod("period")),
		},
		{
			Type:              ReplaceProposal,
			Method:            http.MethodPost,
			Path:              "/contribuyente/migeigv/libros/rvie/propuesta/web/reemplazarpropuesta",
			Expiry:            4 * time.Hour,
			EstimatedDuration: 45 * time.Second,
			validate:          chain(requirePeriod("period"), requireText("fileName")),
		},
		{
			Type:              RegisterPreliminary,
			Method:            http.MethodPost,
			Path:              "/contribuyente/migeigv/libros/rvie/preliminar/web/preliminarregistrado",
			Expiry:            3 * time.Hour,
			EstimatedDuration: 60 * time.Second,
			validate:          chain(requirePeriod("period")),
		},
		{
			Type:              ExportInconsistencies,
			Method:            http.MethodGet,
			Path:              "/contribuyente/migeigv/libros/rvie/inconsistencias/web/inconsistenciascomprobantes/{period}",
			ProducesFile:      true,
			Expiry:            time.Hour,
			EstimatedDuration: 25 * time.Second,
			validate:          chain(requirePeriod("period")),
		},
		{
			Type:              ExportSummary,
			Method:            http.MethodGet,
			Path:              "/contribuyente/migeigv/libros/rvie/resumen/web/resumencomprobantes/{period}/{summaryType}/{fileType}/exporta",
			ProducesFile:      true,
			Expiry:            time.Hour,
			EstimatedDuration: 15 * time.Second,
			validate:          chain(requirePeriod("period"), intRange("summaryType", 1, 5), fileType),
		},
		{
			Type:              ExportPurchaseRegistry,
			Method:            http.MethodGet,
			Path:              "/contribuyente/migeigv/libros/rce/propuesta/web/propuesta/{period}/exportacioncomprobantepropuesta?codTipoArchivo={fileType}",
			ProducesFile:      true,
			Expiry:            2 * time.Hour,
			EstimatedDuration: 30 * time.Second,
			validate:          chain(requirePeriod("period"), fileType),
		},
		{
			Type:              CancelProcess,
			Method:            http.MethodPost,
			Path:              "/contribuyente/migeigv/libros/rvierce/gestionprocesosmasivos/web/procesos/{period}/{processCode}/anula",
			Expiry:            time.Hour,
			EstimatedDuration: 20 * time.Second,
			validate:          chain(requirePeriod("period"), requireDigits("processCode")),
		},
		{
			Type:              BulkDownload,
			Method:            http.MethodGet,
			Path:              "/contribuyente/migeigv/libros/rvierce/gestionprocesosmasivos/web/masivo/{periodFrom}/{periodTo}/exporta?codTipoArchivo={fileType}",
			ProducesFile:      true,
			Expiry:            4 * time.Hour,
			EstimatedDuration: 2 * time.Minute,
			validate:          chain(periodRange("periodFrom", "periodTo", 12), fileType),
		},
	}

	c := &Catalog{specs: make(map[Type]Spec, len(specs))}
	for _, s := range specs {
		c.specs[s.Type] = s
	}
	return c
}

// Lookup resolves an operation name.
func (c *Catalog) Lookup(name string) (Spec, bool) {
	s, ok := c.specs[Type(strings.TrimSpace(name))]
	return s, ok
}

// Resolve is Lookup that fails with InvalidParameters for unknown names.
func (c *Catalog) Resolve(name string) (Spec, error) {
	s, ok := c.Lookup(name)
	if !ok {
		return Spec{}, dErrors.New(dErrors.CodeInvalidParameters, "unsupported operation type "+quote(name))
	}
	return s, nil
}

// Types lists the known operation names in sorted order.
func (c *Catalog) Types() []Type {
	out := make([]Type, 0, len(c.specs))
	for t := range c.specs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Expand substitutes {name} placeholders with URL-escaped values from vars.
// Unknown placeholders expand to the empty string.
func Expand(tmpl string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(tmpl, '{')
		if start < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.IndexByte(tmpl[start:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:start])
		key := tmpl[start+1 : start+end]
		b.WriteString(url.PathEscape(vars[key]))
		tmpl = tmpl[start+end+1:]
	}
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func quote(s string) string {
	return `"` + s + `"`
}
