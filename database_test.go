package s3db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	name     string
	requires []string
	initErr  error
	inits    *[]string
}

func (p *recordingPlugin) Name() string       { return p.name }
func (p *recordingPlugin) Requires() []string { return p.requires }
func (p *recordingPlugin) Init(ctx context.Context, db *Database) error {
	if p.initErr != nil {
		return p.initErr
	}
	*p.inits = append(*p.inits, p.name)
	return nil
}
func (p *recordingPlugin) Shutdown(ctx context.Context) error { return nil }

func TestDatabase_ConnectBackendLoadsEmptyCatalog(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	db, err := ConnectBackend(ctx, backend, "myapp")
	require.NoError(t, err)
	require.NotNil(t, db.GetCatalog())
	require.Empty(t, db.ListResources())
}

func TestDatabase_CreateResourceRegistersAndPersistsSchema(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	res, err := db.CreateResource(ctx, ResourceConfig{
		Name:        "widgets",
		SchemaOrder: []string{"name"},
		SchemaDef:   map[string]string{"name": "string|required"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	got, ok := db.GetResource("widgets")
	require.True(t, ok)
	require.Same(t, res, got)

	cat := db.GetCatalog()
	entry, ok := cat.Resources["widgets"]
	require.True(t, ok)
	require.Equal(t, res.Schema().Version, entry.CurrentVersion)
	require.Contains(t, entry.Versions, res.Schema().Version)
}

func TestDatabase_CreateResourceRequiresName(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	_, err := db.CreateResource(ctx, ResourceConfig{})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDatabase_UpgradeSchemaKeepsVersionHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	_, err := db.CreateResource(ctx, ResourceConfig{
		Name:        "widgets",
		SchemaOrder: []string{"name"},
		SchemaDef:   map[string]string{"name": "string"},
	})
	require.NoError(t, err)
	firstVersion := db.GetCatalog().Resources["widgets"].CurrentVersion

	res2, err := db.UpgradeSchema(ctx, "widgets", ResourceConfig{
		SchemaOrder: []string{"name", "sku"},
		SchemaDef: map[string]string{
			"name": "string",
			"sku":  "string|required",
		},
	})
	require.NoError(t, err)

	entry := db.GetCatalog().Resources["widgets"]
	require.Equal(t, res2.Schema().Version, entry.CurrentVersion)
	require.NotEqual(t, firstVersion, entry.CurrentVersion)
	require.Contains(t, entry.Versions, firstVersion)
	require.Contains(t, entry.Versions, entry.CurrentVersion)
}

func TestDatabase_MustResourcePanicsWhenUnregistered(t *testing.T) {
	db := newTestDatabase(t)
	require.Panics(t, func() {
		db.MustResource("nope")
	})
}

func TestDatabase_UsePluginRunsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	var inits []string
	base := &recordingPlugin{name: "base", inits: &inits}
	dependent := &recordingPlugin{name: "dependent", requires: []string{"base"}, inits: &inits}

	err := db.UsePlugin(ctx, dependent, base)
	require.NoError(t, err)
	require.Equal(t, []string{"base", "dependent"}, inits)
}

func TestDatabase_UsePluginMissingDependencyErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	var inits []string
	dependent := &recordingPlugin{name: "dependent", requires: []string{"missing"}, inits: &inits}

	err := db.UsePlugin(ctx, dependent)
	require.Error(t, err)
}

func TestDatabase_UsePluginCycleErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	var inits []string
	a := &recordingPlugin{name: "a", requires: []string{"b"}, inits: &inits}
	b := &recordingPlugin{name: "b", requires: []string{"a"}, inits: &inits}

	err := db.UsePlugin(ctx, a, b)
	require.Error(t, err)
}

func TestDatabase_UsePluginSkipsAlreadyRegistered(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	var inits []string
	base := &recordingPlugin{name: "base", inits: &inits}

	require.NoError(t, db.UsePlugin(ctx, base))
	require.NoError(t, db.UsePlugin(ctx, base))
	require.Equal(t, []string{"base"}, inits, "Init should not re-run for an already-registered plugin")
}

func TestDatabase_DisconnectShutsDownPlugins(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	var inits []string
	base := &recordingPlugin{name: "base", inits: &inits}
	require.NoError(t, db.UsePlugin(ctx, base))

	require.NoError(t, db.Disconnect(ctx))
}
