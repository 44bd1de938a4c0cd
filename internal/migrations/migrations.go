// Package migrations contains the school schema migrations for the PostgreSQL stores.
package migrations

import (
	"context"
	"fmt"
	"sync"

	migrator "github.com/cybertec-postgresql/pgx-migrator"
	"github.com/jackc/pgx/v5"
)

// TableName is the migrator bookkeeping table
const TableName = "school_sync_migrations"

const createTablesSQL = `
CREATE TABLE schools (
	id bigint PRIMARY KEY,
	name text NOT NULL,
	address text,
	phone text,
	email text,
	logo bytea,
	is_active boolean NOT NULL DEFAULT true,
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE TABLE users (
	username text NOT NULL,
	school_id bigint NOT NULL,
	role text NOT NULL,
	name text,
	mobile text,
	email text,
	is_active boolean NOT NULL DEFAULT true,
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (username, school_id)
);

CREATE TABLE classes (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	school_id bigint NOT NULL,
	class_name text NOT NULL,
	section text,
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE TABLE staff (
	username text NOT NULL,
	school_id bigint NOT NULL,
	name text NOT NULL,
	designation text,
	class_id bigint,
	mobile text,
	email text,
	photo bytea,
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (username, school_id)
);

CREATE TABLE students (
	username text NOT NULL,
	school_id bigint NOT NULL,
	name text NOT NULL,
	class_id bigint,
	gender text,
	dob date,
	mobile text,
	photo bytea,
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (username, school_id)
);

CREATE TABLE student_attendance (
	username text NOT NULL,
	school_id bigint NOT NULL,
	date date NOT NULL,
	class_id bigint,
	fn_status text,
	an_status text,
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (username, school_id, date)
);

CREATE TABLE staff_attendance (
	username text NOT NULL,
	school_id bigint NOT NULL,
	date date NOT NULL,
	fn_status text,
	an_status text,
	updated_at timestamp with time zone NOT NULL DEFAULT now(),
	PRIMARY KEY (username, school_id, date)
);

CREATE TABLE fees (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	school_id bigint NOT NULL,
	class_id bigint,
	title text NOT NULL,
	amount_cents bigint NOT NULL,
	due_date date,
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE TABLE timetables (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	school_id bigint NOT NULL,
	class_id bigint,
	day_of_week integer NOT NULL,
	period integer NOT NULL,
	subject text NOT NULL,
	staff_username text,
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE TABLE payments (
	id bigint GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	school_id bigint NOT NULL,
	fee_id bigint,
	student_username text,
	amount_cents bigint NOT NULL,
	method text,
	paid_at timestamp with time zone NOT NULL DEFAULT now(),
	updated_at timestamp with time zone NOT NULL DEFAULT now()
);

CREATE INDEX idx_users_school ON users(school_id);
CREATE INDEX idx_classes_school ON classes(school_id);
CREATE INDEX idx_staff_school ON staff(school_id);
CREATE INDEX idx_students_school ON students(school_id);
CREATE INDEX idx_student_attendance_school_date ON student_attendance(school_id, date);
CREATE INDEX idx_staff_attendance_school_date ON staff_attendance(school_id, date);
CREATE INDEX idx_fees_school ON fees(school_id);
CREATE INDEX idx_timetables_school ON timetables(school_id);
CREATE INDEX idx_payments_school_paid_at ON payments(school_id, paid_at);
`

// migrations holds function returning all upgrade migrations needed
var migrations func() migrator.Option = func() migrator.Option {
	return migrator.Migrations(
		&migrator.Migration{
			Name: "001_create_school_tables",
			Func: func(ctx context.Context, tx pgx.Tx) error {
				_, err := tx.Exec(ctx, createTablesSQL)
				return err
			},
		},
		// adding new migration here
	)
}

var (
	migratorInstance *migrator.Migrator
	once             sync.Once
)

// getMigrator returns a singleton migrator instance
func getMigrator() (*migrator.Migrator, error) {
	var err error
	once.Do(func() {
		migratorInstance, err = migrator.New(
			migrations(),
			migrator.TableName(TableName),
		)
	})
	return migratorInstance, err
}

// Apply applies all pending migrations to the database
func Apply(ctx context.Context, conn *pgx.Conn) error {
	m, err := getMigrator()
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}

// NeedsUpgrade checks if the database needs migration
func NeedsUpgrade(ctx context.Context, conn *pgx.Conn) (bool, error) {
	m, err := getMigrator()
	if err != nil {
		return false, fmt.Errorf("failed to create migrator: %w", err)
	}

	needUpgrade, err := m.NeedUpgrade(ctx, conn)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	return needUpgrade, nil
}
