package operations

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "sire/pkg/domain-errors"
)

var now = time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC)

func TestCatalog_Resolve(t *testing.T) {
	c := Default()

	spec, err := c.Resolve("export-proposal")
	require.NoError(t, err)
	assert.True(t, spec.ProducesFile)
	assert.Equal(t, 2*time.Hour, spec.Expiry)

	_, err = c.Resolve("download-everything")
	assert.True(t, dErrors.Is(err, dErrors.CodeInvalidParameters))

	assert.Len(t, c.Types(), 9)
}

func TestSpec_Validate(t *testing.T) {
	c := Default()

	tests := []struct {
		name    string
		op      Type
		params  map[string]string
		wantErr string
		check   func(t *testing.T, out map[string]string)
	}{
		{
			name:   "export proposal defaults file type",
			op:     ExportProposal,
			params: map[string]string{"period": "202412"},
			check: func(t *testing.T, out map[string]string) {
				assert.Equal(t, "0", out["fileType"])
			},
		},
		{name: "period must be six digits", op: ExportProposal, params: map[string]string{"period": "2024-12"}, wantErr: "YYYYMM"},
		{name: "month out of range", op: AcceptProposal, params: map[string]string{"period": "202413"}, wantErr: "invalid month"},
		{name: "period before registries existed", op: AcceptProposal, params: map[string]string{"period": "201712"}, wantErr: "before 2018"},
		{name: "future period", op: ExportProposal, params: map[string]string{"period": "202504"}, wantErr: "future"},
		{name: "current period allowed", op: ExportProposal, params: map[string]string{"period": "202503"}},
		{name: "bad file type", op: ExportPurchaseRegistry, params: map[string]string{"period": "202401", "fileType": "9"}, wantErr: "fileType"},
		{name: "replace requires file name", op: ReplaceProposal, params: map[string]string{"period": "202401"}, wantErr: "fileName is required"},
		{name: "summary type range", op: ExportSummary, params: map[string]string{"period": "202401", "summaryType": "7"}, wantErr: "between 1 and 5"},
		{
			name:   "summary type normalized",
			op:     ExportSummary,
			params: map[string]string{"period": "202401", "summaryType": " 02 "},
			check: func(t *testing.T, out map[string]string) {
				assert.Equal(t, "2", out["summaryType"])
			},
		},
		{name: "process code numeric", op: CancelProcess, params: map[string]string{"period": "202401", "processCode": "ab1"}, wantErr: "numeric"},
		{name: "bulk range ordered", op: BulkDownload, params: map[string]string{"periodFrom": "202405", "periodTo": "202401"}, wantErr: "must not be after"},
		{name: "bulk range capped", op: BulkDownload, params: map[string]string{"periodFrom": "202301", "periodTo": "202401"}, wantErr: "more than 12 months"},
		{name: "bulk range within a year", op: BulkDownload, params: map[string]string{"periodFrom": "202302", "periodTo": "202401"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, ok := c.Lookup(string(tt.op))
			require.True(t, ok)
			out, err := spec.Validate(tt.params, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, dErrors.Is(err, dErrors.CodeInvalidParameters))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, out)
			}
		})
	}
}

func TestSpec_ValidateDoesNotMutateInput(t *testing.T) {
	spec, _ := Default().Lookup(string(ExportProposal))
	in := map[string]string{"period": "202401"}
	_, err := spec.Validate(in, now)
	require.NoError(t, err)
	_, has := in["fileType"]
	assert.False(t, has)
}

func TestSpec_SubmitPath(t *testing.T) {
	spec, _ := Default().Lookup(string(ExportSummary))
	path := spec.SubmitPath(map[string]string{"period": "202401", "summaryType": "1", "fileType": "0"})
	assert.Equal(t, "/contribuyente/migeigv/libros/rvie/resumen/web/resumencomprobantes/202401/1/0/exporta", path)
}

func TestExpand(t *testing.T) {
	assert.Equal(t, "/ticket/a%2Fb/estado", Expand("/ticket/{ticket}/estado", map[string]string{"ticket": "a/b"}))
	assert.Equal(t, "/x//y", Expand("/x/{missing}/y", nil))
	assert.Equal(t, "/open{brace", Expand("/open{brace", nil))
}

func TestLoad(t *testing.T) {
	t.Run("overrides path and expiry", func(t *testing.T) {
		c, err := Load(strings.NewReader(`
operations:
  export-proposal:
    path: /v2/propuesta/{period}
    expiry: 3h
  accept-proposal:
    method: put
`))
		require.NoError(t, err)
		spec, _ := c.Lookup(string(ExportProposal))
		assert.Equal(t, "/v2/propuesta/{period}", spec.Path)
		assert.Equal(t, 3*time.Hour, spec.Expiry)
		accept, _ := c.Lookup(string(AcceptProposal))
		assert.Equal(t, "PUT", accept.Method)
	})

	t.Run("unknown operation rejected", func(t *testing.T) {
		_, err := Load(strings.NewReader("operations:\n  mystery: {path: /x}\n"))
		assert.ErrorContains(t, err, "unknown operation")
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		_, err := Load(strings.NewReader("operations:\n  export-proposal: {url: /x}\n"))
		assert.Error(t, err)
	})

	t.Run("empty document keeps defaults", func(t *testing.T) {
		c, err := Load(strings.NewReader(""))
		require.NoError(t, err)
		assert.Len(t, c.Types(), 9)
	})
}
