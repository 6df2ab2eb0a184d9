package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nifti2database/config"
	"nifti2database/models"
)

// mockDatabase öffnet pro Aufruf eine gorm-Instanz mit Postgres-Dialekt über sqlmock.
type mockDatabase struct {
	t     *testing.T
	mocks []sqlmock.Sqlmock
	setup func(mock sqlmock.Sqlmock)
}

func (m *mockDatabase) open(*config.Credentials) (*gorm.DB, error) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	m.setup(mock)
	m.mocks = append(m.mocks, mock)
	return gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

func (m *mockDatabase) verify() {
	m.t.Helper()
	for i, mock := range m.mocks {
		if err := mock.ExpectationsWereMet(); err != nil {
			m.t.Errorf("connection %d: %v", i+1, err)
		}
	}
}

func expectTable(mock sqlmock.Sqlmock, existing ...string) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.tables")).
		WithArgs("public", "scans", "BASE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	rows := sqlmock.NewRows([]string{"suid"})
	for _, suid := range existing {
		rows.AddRow(suid)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "suid" FROM "public"."scans"`)).WillReturnRows(rows)
}

func expectInsert(mock sqlmock.Sqlmock, suid string, affected int64) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."scans" ("dict","patient_date_id","suid")`) + ".*ON CONFLICT DO NOTHING").
		WithArgs(sqlmock.AnyArg(), "2021_03_04_P1", suid).
		WillReturnResult(sqlmock.NewResult(0, affected))
	mock.ExpectCommit()
}

func connectScans(suids ...string) []models.Record {
	scans := make([]models.Record, 0, len(suids))
	for _, suid := range suids {
		scans = append(scans, models.Record{
			models.FieldSeriesInstanceUID:   suid,
			models.FieldPatientName:         "P1",
			models.FieldAcquisitionDateTime: "2021-03-04T10:00:00",
		})
	}
	return scans
}

func connectOptions(t *testing.T) IngestOptions {
	t.Helper()
	creds := filepath.Join(t.TempDir(), "credentials.json")
	content := `{"database":"db","user":"u","password":"p","host":"h","port":5432,"schema":"public","table":"scans"}`
	if err := os.WriteFile(creds, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return IngestOptions{Mode: config.ModeConnect, CredentialsFile: creds}
}

func TestConnectInsertsOnlyMissingScans(t *testing.T) {
	opts := connectOptions(t)
	scans := connectScans("U1", "U2")

	first := &mockDatabase{t: t, setup: func(mock sqlmock.Sqlmock) {
		expectTable(mock)
		expectInsert(mock, "U1", 1)
		expectInsert(mock, "U2", 1)
		mock.ExpectClose()
	}}
	res, err := (&Ingestor{Logger: zap.NewNop(), Open: first.open}).Ingest(context.Background(), scans, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Inserted != 2 || res.AlreadyPresent != 0 {
		t.Errorf("first run = %+v, want 2 inserted", res)
	}
	first.verify()

	// Zweiter Lauf gegen die nun befüllte Tabelle: kein INSERT erwartet.
	second := &mockDatabase{t: t, setup: func(mock sqlmock.Sqlmock) {
		expectTable(mock, "U1", "U2")
		mock.ExpectClose()
	}}
	res, err = (&Ingestor{Logger: zap.NewNop(), Open: second.open}).Ingest(context.Background(), scans, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Inserted != 0 || res.AlreadyPresent != 2 {
		t.Errorf("second run = %+v, want 2 already present", res)
	}
	second.verify()
}

func TestConnectCountsConflictAsPresent(t *testing.T) {
	db := &mockDatabase{t: t, setup: func(mock sqlmock.Sqlmock) {
		expectTable(mock)
		expectInsert(mock, "U1", 0)
		expectInsert(mock, "U2", 1)
		mock.ExpectClose()
	}}
	res, err := (&Ingestor{Logger: zap.NewNop(), Open: db.open}).Ingest(context.Background(), connectScans("U1", "U2"), connectOptions(t))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Inserted != 1 || res.AlreadyPresent != 1 {
		t.Errorf("result = %+v, want 1 inserted and 1 already present", res)
	}
	db.verify()
}

func TestConnectKeepsEarlierRowsOnFailure(t *testing.T) {
	diskFull := errors.New("could not extend file")
	db := &mockDatabase{t: t, setup: func(mock sqlmock.Sqlmock) {
		expectTable(mock)
		expectInsert(mock, "U1", 1)
		expectInsert(mock, "U2", 1)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "public"."scans"`)).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "U3").
			WillReturnError(diskFull)
		mock.ExpectRollback()
		mock.ExpectClose()
	}}
	res, err := (&Ingestor{Logger: zap.NewNop(), Open: db.open}).Ingest(context.Background(), connectScans("U1", "U2", "U3", "U4"), connectOptions(t))
	if !errors.Is(err, diskFull) {
		t.Fatalf("err = %v, want insert error", err)
	}
	if res == nil || res.Inserted != 2 {
		t.Errorf("result = %+v, want the two committed rows counted", res)
	}
	db.verify()
}

func TestConnectRequiresTable(t *testing.T) {
	db := &mockDatabase{t: t, setup: func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.tables")).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectClose()
	}}
	_, err := (&Ingestor{Logger: zap.NewNop(), Open: db.open}).Ingest(context.Background(), connectScans("U1"), connectOptions(t))
	if !errors.Is(err, ErrTableMissing) {
		t.Errorf("err = %v, want ErrTableMissing", err)
	}
	db.verify()
}
