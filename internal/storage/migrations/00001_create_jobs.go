package migrations

import (
	"database/sql"

	"github.com/pressly/goose"
)

func init() {
	goose.AddMigration(upCreateJobs, downCreateJobs)
}

func upCreateJobs(tx *sql.Tx) error {
	_, err := tx.Exec(`create table if not exists jobs (
  id              text primary key,
  job_type        text not null,
  priority        text not null,
  payload         jsonb not null,
  status          text not null,
  retry_count     integer not null default 0 check (retry_count >= 0),
  created_at      timestamptz not null,
  claimed_at      timestamptz,
  completed_at    timestamptz,
  available_after timestamptz not null,
  claimed_by      text not null default ''
);
create index if not exists jobs_status_claimed_at_idx on jobs (status, claimed_at);`)
	return err
}

func downCreateJobs(tx *sql.Tx) error {
	_, err := tx.Exec(`drop table if exists jobs`)
	return err
}
