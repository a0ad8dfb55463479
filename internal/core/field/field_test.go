package field

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aevon-lab/calcengine/internal/core/entity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sumField() *CalculatedField {
	return &CalculatedField{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		EntityID: entity.New(entity.Device, uuid.New()),
		Name:     "sum",
		Type:     Simple,
		Arguments: map[string]Argument{
			"x": {Key: ReferencedKey{Name: "x", Type: TsLatest}},
			"y": {Key: ReferencedKey{Name: "y", Type: TsLatest}, DefaultValue: "0"},
		},
		Expression: "x + y",
		Output:     Output{Type: OutputTimeSeries, Name: "total"},
		Debug:      DebugNone,
		Limits:     Limits{MaxStateSizeBytes: 4096},
	}
}

func TestDecideAction(t *testing.T) {
	base := sumField()

	tests := []struct {
		name   string
		mutate func(cf *CalculatedField)
		want   StateAction
	}{
		{
			name:   "identical definition",
			mutate: func(*CalculatedField) {},
			want:   ActionNone,
		},
		{
			name:   "size limit only",
			mutate: func(cf *CalculatedField) { cf.Limits.MaxStateSizeBytes = 8192 },
			want:   ActionRefreshContext,
		},
		{
			name:   "debug mode only",
			mutate: func(cf *CalculatedField) { cf.Debug = DebugAll },
			want:   ActionRefreshContext,
		},
		{
			name:   "expression changed",
			mutate: func(cf *CalculatedField) { cf.Expression = "x * y" },
			want:   ActionReprocess,
		},
		{
			name:   "output renamed",
			mutate: func(cf *CalculatedField) { cf.Output.Name = "sum_total" },
			want:   ActionReprocess,
		},
		{
			name: "argument key changed",
			mutate: func(cf *CalculatedField) {
				arg := cf.Arguments["x"]
				arg.Key.Name = "x2"
				cf.Arguments["x"] = arg
			},
			want: ActionReinit,
		},
		{
			name: "argument added",
			mutate: func(cf *CalculatedField) {
				cf.Arguments["z"] = Argument{Key: ReferencedKey{Name: "z", Type: Attribute}}
			},
			want: ActionReinit,
		},
		{
			name:   "rolling cap without rolling arguments",
			mutate: func(cf *CalculatedField) { cf.Limits.MaxRollingRecords = 10 },
			want:   ActionRefreshContext,
		},
		{
			name:   "calculation kind changed",
			mutate: func(cf *CalculatedField) { cf.Type = Script },
			want:   ActionRecreate,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next := base.Clone()
			tc.mutate(next)
			require.Equal(t, tc.want, DecideAction(base, next))
		})
	}

	require.Equal(t, ActionInit, DecideAction(nil, base))
}

func TestDecideAction_NilAndEmptyMetricsAreEqual(t *testing.T) {
	prev := sumField()
	next := prev.Clone()
	next.Metrics = map[string]Metric{}
	require.Equal(t, ActionNone, DecideAction(prev, next))
}

func TestDecideAction_RollingCapChange(t *testing.T) {
	prev := sumField()
	prev.Arguments["x"] = Argument{Key: ReferencedKey{Name: "x", Type: TsRolling}, Limit: 100}

	lowered := prev.Clone()
	lowered.Limits.MaxRollingRecords = 5
	require.Equal(t, ActionReinit, DecideAction(prev, lowered))

	above := prev.Clone()
	above.Limits.MaxRollingRecords = 500
	require.Equal(t, ActionRefreshContext, DecideAction(prev, above), "cap above the argument limit bounds nothing")
}

func TestStateActionPredicates(t *testing.T) {
	require.True(t, ActionReinit.RecalculatesState())
	require.True(t, ActionReinit.RebuildsState())
	require.True(t, ActionReprocess.RecalculatesState())
	require.False(t, ActionReprocess.RebuildsState())
	require.False(t, ActionRefreshContext.RecalculatesState())
	require.False(t, ActionNone.RecalculatesState())
}

func TestClone_IsDeep(t *testing.T) {
	cf := sumField()
	ref := entity.New(entity.Asset, uuid.New())
	arg := cf.Arguments["x"]
	arg.RefEntity = &ref
	cf.Arguments["x"] = arg

	clone := cf.Clone()
	clone.Arguments["x"].RefEntity.UUID = uuid.New()
	delete(clone.Arguments, "y")

	require.Equal(t, ref, *cf.Arguments["x"].RefEntity)
	require.Len(t, cf.Arguments, 2)
	require.Equal(t, cf.Fingerprint(), sumFieldWith(cf).Fingerprint())
}

func sumFieldWith(cf *CalculatedField) *CalculatedField {
	c := cf.Clone()
	c.Version = cf.Version + 7
	c.UpdatedAt = time.Now()
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, sumField().Validate())

	noOutput := sumField()
	noOutput.Output.Name = ""
	require.Error(t, noOutput.Validate())

	badArg := sumField()
	badArg.Arguments["x"] = Argument{Key: ReferencedKey{Name: "x", Type: "TS_OTHER"}}
	require.Error(t, badArg.Validate())

	tooMany := sumField()
	tooMany.Limits.MaxArguments = 1
	require.Error(t, tooMany.Validate())

	ref := entity.New(entity.Device, uuid.New())
	both := sumField()
	both.Arguments["x"] = Argument{RefEntity: &ref, DynamicSource: CurrentOwner, Key: ReferencedKey{Name: "x", Type: TsLatest}}
	require.Error(t, both.Validate())

	agg := sumField()
	agg.Type = Aggregation
	agg.Relation = &RelationPath{Direction: entity.From, RelationType: "Contains"}
	agg.Metrics = map[string]Metric{"total": {Function: "sum", Input: "x"}}
	require.NoError(t, agg.Validate())

	agg.Metrics["bad"] = Metric{Function: "median", Input: "x"}
	require.Error(t, agg.Validate())
}

func TestLinkedEntitiesAndRollingLimit(t *testing.T) {
	cf := sumField()
	ref := entity.New(entity.Asset, uuid.New())
	cf.Arguments["a"] = Argument{RefEntity: &ref, Key: ReferencedKey{Name: "a", Type: TsLatest}}
	cf.Arguments["b"] = Argument{RefEntity: &ref, Key: ReferencedKey{Name: "b", Type: TsRolling}, Limit: 50}
	cf.Limits.MaxRollingRecords = 20

	require.Equal(t, []entity.ID{ref}, cf.LinkedEntities())
	require.Equal(t, 20, cf.RollingLimit(cf.Arguments["b"]))
	require.Equal(t, 20, cf.RollingLimit(cf.Arguments["a"]))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("7d")
	require.NoError(t, err)
	require.Equal(t, 7*24*time.Hour, d)

	d, err = ParseDuration("15m")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	_, err = ParseDuration("0d")
	require.Error(t, err)
	_, err = ParseDuration("")
	require.Error(t, err)
}

func TestFileSystemRepository(t *testing.T) {
	dir := t.TempDir()
	tenant := uuid.New()
	id := uuid.New()
	device := uuid.New()

	content := `
id: ` + id.String() + `
tenant_id: ` + tenant.String() + `
entity_type: DEVICE
entity_id: ` + device.String() + `
name: power
type: SIMPLE
expression: voltage * current
output:
  type: TIME_SERIES
  name: power
  decimals: 2
arguments:
  voltage:
    key: voltage
    type: TS_LATEST
  current:
    key: current
    type: TS_ROLLING
    time_window: 1h
    limit: 10
limits:
  max_state_size_bytes: 2048
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "power.yaml"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	repo, err := NewFileSystemRepository(dir)
	require.NoError(t, err)

	cf, err := repo.FindByID(t.Context(), tenant, id)
	require.NoError(t, err)
	require.Equal(t, "power", cf.Name)
	require.Equal(t, entity.New(entity.Device, device), cf.EntityID)
	require.Equal(t, time.Hour, cf.Arguments["current"].TimeWindow)
	require.Equal(t, int64(2048), cf.Limits.MaxStateSizeBytes)
	require.Equal(t, 2, *cf.Output.Decimals)

	_, err = repo.FindByID(t.Context(), uuid.New(), id)
	require.ErrorIs(t, err, ErrNotFound)

	page, err := repo.ListByTenant(t.Context(), tenant, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	tenants, err := repo.ListTenants(t.Context())
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{tenant}, tenants)

	fp, ok := repo.Fingerprint(id)
	require.True(t, ok)
	require.Len(t, fp, 64)
}

func TestFileSystemRepository_MissingDir(t *testing.T) {
	repo, err := NewFileSystemRepository(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	page, err := repo.ListByTenant(t.Context(), uuid.New(), 0, 10)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestDocumentRoundTrip(t *testing.T) {
	cf := sumField()
	cf.ScheduledUpdateInterval = time.Minute
	got, err := NewDocument(cf).ToField()
	require.NoError(t, err)
	require.Equal(t, ActionNone, DecideAction(cf, got))
}
