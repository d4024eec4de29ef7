package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/migrations"
)

func setupTestDatabase(ctx context.Context, t *testing.T) (*pgcontainer.PostgresContainer, *Connection) {
	t.Helper()

	postgresContainer, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("modelplane_test"),
		pgcontainer.WithUsername("test"),
		pgcontainer.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second), // Extended timeout for dev containers
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	conn, err := NewConnection(NewConfig(connStr))
	if err != nil {
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := runTestMigrations(conn.DB); err != nil {
		_ = conn.Close()
		_ = postgresContainer.Terminate(ctx)

		t.Fatalf("failed to run test migrations: %v", err)
	}

	return postgresContainer, conn
}

// runTestMigrations applies the embedded migrations with golang-migrate.
func runTestMigrations(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.FS(), ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// TestPostgresCatalogIntegration exercises the PostgreSQL catalog against a
// real database: schema constraints, the promotion transaction, alert dedup
// and job idempotency all depend on index and transaction behavior the
// in-memory store can only approximate.
func TestPostgresCatalogIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, conn := setupTestDatabase(ctx, t)

	defer func() {
		_ = conn.Close()
		_ = container.Terminate(ctx)
	}()

	cat, err := NewPostgres(conn)
	if err != nil {
		t.Fatalf("NewPostgres() error = %v", err)
	}

	t.Run("DatasetRoundTrip", testDatasetRoundTrip(ctx, cat))
	t.Run("PromotionDemotesIncumbent", testPromotionDemotesIncumbent(ctx, cat))
	t.Run("AlertDedupIndex", testAlertDedupIndex(ctx, cat))
	t.Run("JobIdempotencyIndex", testJobIdempotencyIndex(ctx, cat))
	t.Run("JobClaimCAS", testJobClaimCAS(ctx, cat))
}

func createTestDataset(ctx context.Context, t *testing.T, cat catalog.Catalog, name string) *catalog.Dataset {
	t.Helper()

	d := &catalog.Dataset{
		ID:          uuid.NewString(),
		Name:        name,
		Version:     1,
		RowCount:    100,
		ColumnCount: 2,
		Schema: []catalog.Column{
			{Name: "transaction_id", Type: catalog.ColumnString},
			{Name: "amount", Type: catalog.ColumnFloat},
		},
		Checksum:  "cafe",
		BlobRef:   "dataset/ca/fe",
		Status:    catalog.DatasetActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	if err := cat.Datasets().Create(ctx, d); err != nil {
		t.Fatalf("Datasets().Create() error = %v", err)
	}

	return d
}

func createTestModel(ctx context.Context, t *testing.T, cat catalog.Catalog, featureSetID string) *catalog.Model {
	t.Helper()

	m := &catalog.Model{
		ID:           uuid.NewString(),
		Algorithm:    "xgboost_like",
		Hyperparams:  map[string]float64{"n_estimators": 100},
		FeatureSetID: featureSetID,
		SchemaHash:   "feed",
		Metrics:      map[string]float64{"auc": 0.9},
		Importance:   map[string]float64{"amount": 1},
		FeatureNames: []string{"amount"},
		NativeRef:    "model_native/aa/bb",
		PortableRef:  "model_portable/aa/bb",
		Checksum:     "beef",
	}

	if err := cat.Models().Create(ctx, m); err != nil {
		t.Fatalf("Models().Create() error = %v", err)
	}

	return m
}

func createTestFeatureSet(ctx context.Context, t *testing.T, cat catalog.Catalog, datasetID string) *catalog.FeatureSet {
	t.Helper()

	fs := &catalog.FeatureSet{
		ID:               uuid.NewString(),
		DatasetID:        datasetID,
		Config:           catalog.DefaultFeatureConfig(),
		AllFeatures:      []string{"amount"},
		SelectedFeatures: []string{"amount"},
		Scores:           []catalog.FeatureScore{},
		SchemaHash:       "feed",
		ArtifactRef:      "features/aa/cc",
		Status:           catalog.FeatureSetCompleted,
	}

	if err := cat.FeatureSets().Create(ctx, fs); err != nil {
		t.Fatalf("FeatureSets().Create() error = %v", err)
	}

	return fs
}

func testDatasetRoundTrip(ctx context.Context, cat catalog.Catalog) func(*testing.T) {
	return func(t *testing.T) {
		d := createTestDataset(ctx, t, cat, "roundtrip")

		got, err := cat.Datasets().Get(ctx, d.ID)
		if err != nil {
			t.Fatalf("Datasets().Get() error = %v", err)
		}

		if got.Name != d.Name || got.Version != d.Version {
			t.Errorf("Get() = %s v%d, want %s v%d", got.Name, got.Version, d.Name, d.Version)
		}

		if len(got.Schema) != 2 || got.Schema[0].Name != "transaction_id" {
			t.Errorf("Get() schema = %+v, schema order must survive the round trip", got.Schema)
		}

		// Duplicate (name, version) hits the unique constraint.
		dup := *d
		dup.ID = uuid.NewString()

		err = cat.Datasets().Create(ctx, &dup)
		if !errors.Is(err, fault.ErrConflictingState) {
			t.Errorf("duplicate Create() error = %v, want ConflictingState", err)
		}
	}
}

func testPromotionDemotesIncumbent(ctx context.Context, cat catalog.Catalog) func(*testing.T) {
	return func(t *testing.T) {
		d := createTestDataset(ctx, t, cat, "promotion")
		fs := createTestFeatureSet(ctx, t, cat, d.ID)

		first := createTestModel(ctx, t, cat, fs.ID)
		second := createTestModel(ctx, t, cat, fs.ID)

		if err := cat.Models().PatchState(ctx, first.ID, catalog.ModelTrained, catalog.ModelStaging, ""); err != nil {
			t.Fatalf("PatchState() error = %v", err)
		}

		demoted, err := cat.Models().PromoteToProduction(ctx, first.ID)
		if err != nil {
			t.Fatalf("PromoteToProduction() error = %v", err)
		}

		if demoted != "" {
			t.Errorf("first promotion demoted %s, want nothing", demoted)
		}

		if err := cat.Models().PatchState(ctx, second.ID, catalog.ModelTrained, catalog.ModelStaging, ""); err != nil {
			t.Fatalf("PatchState() error = %v", err)
		}

		demoted, err = cat.Models().PromoteToProduction(ctx, second.ID)
		if err != nil {
			t.Fatalf("second PromoteToProduction() error = %v", err)
		}

		if demoted != first.ID {
			t.Errorf("second promotion demoted %s, want %s", demoted, first.ID)
		}

		archived, err := cat.Models().Get(ctx, first.ID)
		if err != nil {
			t.Fatalf("Models().Get() error = %v", err)
		}

		if archived.Status != catalog.ModelArchived || archived.ArchivedReason != "superseded" {
			t.Errorf("demoted model = %s/%s, want ARCHIVED/superseded",
				archived.Status, archived.ArchivedReason)
		}

		prod, err := cat.Models().CurrentProduction(ctx)
		if err != nil {
			t.Fatalf("CurrentProduction() error = %v", err)
		}

		if prod.ID != second.ID {
			t.Errorf("CurrentProduction() = %s, want %s", prod.ID, second.ID)
		}

		// Promoting a TRAINED model must fail without touching production.
		third := createTestModel(ctx, t, cat, fs.ID)

		_, err = cat.Models().PromoteToProduction(ctx, third.ID)
		if !errors.Is(err, fault.ErrConflictingState) {
			t.Errorf("TRAINED promotion error = %v, want ConflictingState", err)
		}
	}
}

func testAlertDedupIndex(ctx context.Context, cat catalog.Catalog) func(*testing.T) {
	return func(t *testing.T) {
		alert := &catalog.Alert{
			ID:         uuid.NewString(),
			SourceKind: "monitoring",
			SourceRef:  "model-x",
			Severity:   catalog.SeverityWarning,
			Title:      "psi drift",
			DedupKey:   "model-x:data:amount:psi",
		}

		if err := cat.Alerts().Create(ctx, alert); err != nil {
			t.Fatalf("Alerts().Create() error = %v", err)
		}

		// The partial unique index rejects a second ACTIVE alert even when the
		// application-level find-or-merge check is bypassed.
		dup := *alert
		dup.ID = uuid.NewString()

		err := cat.Alerts().Create(ctx, &dup)
		if !errors.Is(err, fault.ErrConflictingState) {
			t.Fatalf("duplicate Create() error = %v, want ConflictingState", err)
		}

		if err := cat.Alerts().Merge(ctx, alert.ID, "psi=0.32", time.Now().UTC()); err != nil {
			t.Fatalf("Merge() error = %v", err)
		}

		got, err := cat.Alerts().Get(ctx, alert.ID)
		if err != nil {
			t.Fatalf("Alerts().Get() error = %v", err)
		}

		if got.Occurrences != 2 {
			t.Errorf("Occurrences = %d, want 2", got.Occurrences)
		}

		// Resolving releases the dedup key.
		if err := cat.Alerts().PatchState(ctx, alert.ID, catalog.AlertActive, catalog.AlertResolved); err != nil {
			t.Fatalf("PatchState() error = %v", err)
		}

		if err := cat.Alerts().Create(ctx, &dup); err != nil {
			t.Errorf("Create() after resolve error = %v, want nil", err)
		}
	}
}

func testJobIdempotencyIndex(ctx context.Context, cat catalog.Catalog) func(*testing.T) {
	return func(t *testing.T) {
		key := "train:" + uuid.NewString()

		job := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobTrain, IdempotencyKey: key, Enabled: true}

		duplicate, err := cat.Jobs().Enqueue(ctx, job)
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		if duplicate {
			t.Fatal("first Enqueue() duplicate = true, want false")
		}

		again := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobTrain, IdempotencyKey: key, Enabled: true}

		duplicate, err = cat.Jobs().Enqueue(ctx, again)
		if err != nil {
			t.Fatalf("second Enqueue() error = %v, duplicates are success", err)
		}

		if !duplicate {
			t.Error("second Enqueue() duplicate = false, want true")
		}

		// Completing the live job releases the key.
		if _, err := cat.Jobs().Claim(ctx, job.ID, time.Now().UTC()); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}

		if err := cat.Jobs().Complete(ctx, job.ID, catalog.JobCompleted, ""); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}

		duplicate, err = cat.Jobs().Enqueue(ctx, again)
		if err != nil {
			t.Fatalf("Enqueue() after completion error = %v", err)
		}

		if duplicate {
			t.Error("Enqueue() after completion duplicate = true, want false")
		}
	}
}

func testJobClaimCAS(ctx context.Context, cat catalog.Catalog) func(*testing.T) {
	return func(t *testing.T) {
		job := &catalog.Job{ID: uuid.NewString(), Kind: catalog.JobDataDrift, Enabled: true}

		if _, err := cat.Jobs().Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}

		now := time.Now().UTC()

		claimed, err := cat.Jobs().Claim(ctx, job.ID, now)
		if err != nil {
			t.Fatalf("Claim() error = %v", err)
		}

		if !claimed {
			t.Fatal("first Claim() = false, want true")
		}

		claimed, err = cat.Jobs().Claim(ctx, job.ID, now)
		if err != nil {
			t.Fatalf("second Claim() error = %v", err)
		}

		if claimed {
			t.Error("second Claim() = true, exactly one claimant may win")
		}
	}
}
