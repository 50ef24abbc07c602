package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"outbound-voice/internal/analysis"
	"outbound-voice/internal/calls"
	"outbound-voice/internal/campaigns"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		mock.Close()
	})
	return mock, New(mock)
}

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func TestClaimContact(t *testing.T) {
	lockedUntil := now.Add(5 * time.Minute)

	tests := []struct {
		name    string
		result  pgconn.CommandTag
		err     error
		want    bool
		wantErr bool
	}{
		{name: "won", result: pgxmock.NewResult("UPDATE", 1), want: true},
		{name: "state already moved", result: pgxmock.NewResult("UPDATE", 0), want: false},
		{name: "campaign already calling", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "driver error", err: errors.New("connection reset"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock, store := newMock(t)
			exp := mock.ExpectExec(`UPDATE campaign_contacts AS c SET\s+state = 'calling',\s+call_id = ''.*WHERE c\.id = \$1 AND c\.state = 'pending'.*NOT EXISTS`).
				WithArgs("ct-1", now, lockedUntil)
			if tc.err != nil {
				exp.WillReturnError(tc.err)
			} else {
				exp.WillReturnResult(tc.result)
			}

			got, err := store.ClaimContact(context.Background(), "ct-1", now, lockedUntil)
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if got != tc.want {
				t.Fatalf("claimed = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSetStatus_IsConditionalOnFrom(t *testing.T) {
	mock, store := newMock(t)
	sid := "CA123"
	mock.ExpectExec(`UPDATE calls SET.*WHERE id = \$1 AND status = \$2`).
		WithArgs("call-1", "ringing", "in-progress", &sid, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), []byte("{}"), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.SetStatus(context.Background(), "call-1", calls.CallStatusRinging, calls.CallStatusInProgress, calls.Patch{CarrierCallID: &sid}, now)
	if err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if ok {
		t.Fatalf("zero rows affected must report a lost race")
	}
}

func TestGetCall_NotFound(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1`).WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	if _, err := store.GetCall(context.Background(), "missing"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected calls.ErrNotFound, got %v", err)
	}
}

func TestAddTurn_UnknownCall(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec(`INSERT INTO call_turns`).WillReturnError(&pgconn.PgError{Code: "23503"})

	err := store.AddTurn(context.Background(), calls.Turn{ID: "t1", CallID: "nope", Speaker: calls.SpeakerUser, Text: "hi", CreatedAt: now})
	if !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected calls.ErrNotFound, got %v", err)
	}
}

func TestEnqueueJob_Dedupes(t *testing.T) {
	mock, store := newMock(t)
	job := analysis.Job{ID: "j1", Kind: analysis.KindCallAnalysis, PayloadJSON: `{"call_id":"c1"}`, Status: analysis.JobQueued,
		MaxAttempts: 3, RunAt: now, DedupeKey: "analysis:c1", CreatedAt: now, UpdatedAt: now}
	key := "analysis:c1"

	mock.ExpectExec(`INSERT INTO analysis_jobs .* ON CONFLICT \(dedupe_key\) DO NOTHING`).
		WithArgs("j1", analysis.KindCallAnalysis, job.PayloadJSON, "queued", 0, 3, now, &key, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO analysis_jobs`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	job.ID = "j2"
	if err := store.EnqueueJob(context.Background(), job); !errors.Is(err, analysis.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestFailJob_SingleStatement(t *testing.T) {
	mock, store := newMock(t)
	next := now.Add(30 * time.Second)
	mock.ExpectExec(`UPDATE analysis_jobs SET\s+attempt = attempt \+ 1.*CASE WHEN attempt \+ 1 >= max_attempts THEN 'failed'`).
		WithArgs("j1", "model overloaded", next, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.FailJob(context.Background(), "j1", "model overloaded", next, now)
	if !errors.Is(err, analysis.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCountContacts(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`SELECT state, count\(\*\) FROM campaign_contacts WHERE campaign_id = \$1 GROUP BY state`).
		WithArgs("camp-1").
		WillReturnRows(pgxmock.NewRows([]string{"state", "count"}).
			AddRow("pending", 4).
			AddRow("calling", 1).
			AddRow("failed", 2))

	got, err := store.CountContacts(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("CountContacts: %v", err)
	}
	want := campaigns.ContactCounts{Pending: 4, Calling: 1, Failed: 2}
	if got != want {
		t.Fatalf("counts = %+v, want %+v", got, want)
	}
}

func TestCreateCampaign_Transactional(t *testing.T) {
	mock, store := newMock(t)
	c := campaigns.Campaign{ID: "camp-1", Name: "Recall", AgentID: "a1", OwnerUserID: "u1", State: campaigns.StatePending,
		Settings: campaigns.DefaultSettings(), CreatedAt: now, UpdatedAt: now}
	contacts := []campaigns.Contact{
		{ID: "ct-1", CampaignID: "camp-1", Phone: "+15550000001", State: campaigns.ContactPending, CreatedAt: now, UpdatedAt: now},
		{ID: "ct-2", CampaignID: "camp-1", Phone: "+15550000002", State: campaigns.ContactPending, CreatedAt: now, UpdatedAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO campaigns`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO campaign_contacts`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO campaign_contacts`).WillReturnError(&pgconn.PgError{Code: "23514"})
	mock.ExpectRollback()

	if err := store.CreateCampaign(context.Background(), c, contacts); err == nil {
		t.Fatalf("expected contact insert failure to abort the campaign")
	}
}

func TestFinishContact_GuardsLinkedCall(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectExec(`UPDATE campaign_contacts SET state = \$3.*WHERE id = \$1 AND state = 'calling' AND \(\$2 = '' OR call_id = \$2\)`).
		WithArgs("ct-1", "call-9", "completed", "answered", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.FinishContact(context.Background(), "ct-1", "call-9", campaigns.ContactCompleted, campaigns.OutcomeAnswered, now)
	if err != nil || !ok {
		t.Fatalf("FinishContact = %v, %v", ok, err)
	}
}

func TestReleaseExpiredContacts_UnlinksCall(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`WITH expired AS \(\s*SELECT id, call_id FROM campaign_contacts WHERE state = 'calling' AND locked_until < \$1 FOR UPDATE SKIP LOCKED\s*\)\s*` +
		`UPDATE campaign_contacts AS c SET state = 'pending', call_id = '', locked_until = NULL.*RETURNING .*e\.call_id`).
		WithArgs(now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "campaign_id", "phone", "name", "metadata", "state", "locked_until",
			"last_attempted_at", "call_id", "outcome", "created_at", "updated_at"}))

	released, err := store.ReleaseExpiredContacts(context.Background(), now)
	if err != nil || len(released) != 0 {
		t.Fatalf("ReleaseExpiredContacts = %+v, %v", released, err)
	}
}

func TestSearch_OrsQueryTerms(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(`SELECT id, agent_id, title, content, ts_rank\(search, q\) AS score`).
		WithArgs("agent-1", "refund | policy", 3).
		WillReturnRows(pgxmock.NewRows([]string{"id", "agent_id", "title", "content", "score"}).
			AddRow("s1", "agent-1", "Refunds", "Refunds within 30 days.", float32(0.6)))

	got, err := store.Search(context.Background(), "agent-1", "What is the refund policy?", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Refunds" {
		t.Fatalf("unexpected snippets %+v", got)
	}
}
