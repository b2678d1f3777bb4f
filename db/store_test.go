package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/onnwee/visit-tracker/scrape"
	"github.com/onnwee/visit-tracker/upstream"
)

func resetTables(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE visits, users, channels RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

func onlineIDs(t *testing.T, db *sql.DB) []int64 {
	t.Helper()
	rows, err := db.Query(`SELECT id FROM users WHERE online ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return ids
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestPGResolveUserIdempotent(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	ctx := context.Background()
	q := queries{db}

	ids := make([]int64, 0, 3)
	for _, name := range []string{"Alice", "Alice", "Bob"} {
		id, err := scrape.NewRegistry(q, nil).ResolveUser(ctx, "abc123", name)
		if err != nil {
			t.Fatalf("ResolveUser: %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("ids differ: %v", ids)
	}
	var name string
	if err := db.QueryRow(`SELECT name FROM users WHERE public_id = 'abc123'`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "Alice" {
		t.Errorf("name = %q, want Alice (not overwritten)", name)
	}
}

func TestPGRecordVisitDedup(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	// 700ns rounds up to a whole microsecond in a TIMESTAMPTZ column
	t1 := t0.Add(700 * time.Nanosecond)
	tests := []struct {
		name          string
		first, second time.Time
		want          int
	}{
		{"within threshold", t0, t0.Add(5 * time.Minute), 1},
		{"exact threshold", t0, t0.Add(10 * time.Minute), 2},
		{"exact threshold sub-microsecond", t1, t1.Add(10 * time.Minute), 2},
	}
	db := openTestDB(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetTables(t, db)
			ctx := context.Background()
			q := queries{db}
			reg := scrape.NewRegistry(q, nil)
			uid, err := reg.ResolveUser(ctx, "abc123", "Alice")
			if err != nil {
				t.Fatal(err)
			}
			cid, err := reg.ResolveChannel(ctx, "lobby")
			if err != nil {
				t.Fatal(err)
			}
			rec := scrape.NewRecorder(q, 10*time.Minute)
			for _, at := range []time.Time{tt.first, tt.second} {
				if _, err := rec.RecordVisit(ctx, uid, cid, at); err != nil {
					t.Fatal(err)
				}
			}
			if got := count(t, db, "visits"); got != tt.want {
				t.Errorf("visits = %d, want %d", got, tt.want)
			}
		})
	}
}

func seedUsers(t *testing.T, db *sql.DB, n int, online ...int64) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if _, err := db.Exec(`INSERT INTO users (public_id, name) VALUES ($1, $2)`, fmt.Sprintf("p%d", i), fmt.Sprintf("User %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	for _, id := range online {
		if _, err := db.Exec(`UPDATE users SET online = TRUE WHERE id = $1`, id); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPGReconcile(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	seedUsers(t, db, 4, 1, 2, 3)

	res, err := NewPGStore(db).Reconcile(context.Background(), []int64{2, 3, 4, 4})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := onlineIDs(t, db); !reflect.DeepEqual(got, []int64{2, 3, 4}) {
		t.Errorf("online = %v, want [2 3 4]", got)
	}
	if res.TurnedOnline != 1 || res.TurnedOffline != 1 {
		t.Errorf("result = %+v, want 1 on, 1 off", res)
	}
}

func TestPGReconcileEmpty(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	seedUsers(t, db, 3, 1, 3)

	res, err := NewPGStore(db).Reconcile(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := onlineIDs(t, db); len(got) != 0 {
		t.Errorf("online = %v, want none", got)
	}
	if res.TurnedOffline != 2 {
		t.Errorf("TurnedOffline = %d, want 2", res.TurnedOffline)
	}
	if count(t, db, "users") != 3 {
		t.Error("users must not be touched beyond the online flag")
	}
}

func TestPGReconcileLargeSet(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	if _, err := db.Exec(`INSERT INTO users (public_id, name) SELECT 'p' || g, 'n' FROM generate_series(1, 70000) g`); err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, 0, 70000)
	for i := int64(1); i <= 70000; i += 2 {
		ids = append(ids, i)
	}
	store := NewPGStore(db)
	// twice: the staging table must not survive the first transaction
	for i := 0; i < 2; i++ {
		if _, err := store.Reconcile(context.Background(), ids); err != nil {
			t.Fatalf("Reconcile run %d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE online`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(ids) {
		t.Errorf("online = %d, want %d", n, len(ids))
	}
}

func TestPGIsolateDiscardsFailedUnit(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	ctx := context.Background()
	store := NewPGStore(db)

	tx, err := store.BeginCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err = tx.Isolate(ctx, func(q scrape.Queries) error {
		if err := q.InsertChannel(ctx, "discarded"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Isolate err = %v, want boom", err)
	}
	if err := tx.Isolate(ctx, func(q scrape.Queries) error { return q.InsertChannel(ctx, "kept") }); err != nil {
		t.Fatalf("transaction unusable after failed unit: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	var names []string
	rows, err := db.Query(`SELECT name FROM channels ORDER BY name`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		_ = rows.Scan(&n)
		names = append(names, n)
	}
	if !reflect.DeepEqual(names, []string{"kept"}) {
		t.Errorf("channels = %v, want [kept]", names)
	}
}

func TestPGCycleRollback(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	ctx := context.Background()

	tx, err := NewPGStore(db).BeginCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = tx.Isolate(ctx, func(q scrape.Queries) error {
		reg := scrape.NewRegistry(q, nil)
		uid, err := reg.ResolveUser(ctx, "abc", "A")
		if err != nil {
			return err
		}
		cid, err := reg.ResolveChannel(ctx, "lobby")
		if err != nil {
			return err
		}
		_, err = scrape.NewRecorder(q, 0).RecordVisit(ctx, uid, cid, time.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"channels", "users", "visits"} {
		if n := count(t, db, table); n != 0 {
			t.Errorf("%s has %d rows after rollback", table, n)
		}
	}
}

type stubSource []string

func (s stubSource) Channels(context.Context) ([]string, error) { return s, nil }

type stubFetcher map[string][]string

func (f stubFetcher) OnlineUsers(_ context.Context, ch string) (*upstream.OnlineUsers, error) {
	n := len(f[ch])
	out := &upstream.OnlineUsers{NumOnline: &n}
	for _, id := range f[ch] {
		out.Users = append(out.Users, upstream.Sighting{PublicID: id})
	}
	return out, nil
}

func TestPGSchedulerCycle(t *testing.T) {
	db := openTestDB(t)
	resetTables(t, db)
	seedUsers(t, db, 1, 1)

	f := stubFetcher{"a": {"x", "y"}, "b": {"y", "z"}, "c": nil}
	s := scrape.NewScheduler(NewPGStore(db), stubSource{"a", "b", "c"}, f, scrape.Options{BatchDelay: time.Millisecond})

	st, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if st.ActiveUsersTracked != 3 {
		t.Errorf("ActiveUsersTracked = %d, want 3", st.ActiveUsersTracked)
	}
	if n := count(t, db, "visits"); n != 4 {
		t.Errorf("visits = %d, want 4", n)
	}
	if n := count(t, db, "channels"); n != 2 {
		t.Errorf("channels = %d, want 2 (empty channel not created)", n)
	}
	if got := onlineIDs(t, db); len(got) != 3 || got[0] == 1 {
		t.Errorf("online = %v, want the three sighted users only", got)
	}
	var name string
	if err := db.QueryRow(`SELECT name FROM users WHERE public_id = 'x'`).Scan(&name); err != nil || name != scrape.UnknownName {
		t.Errorf("name = %q (%v), want %q", name, err, scrape.UnknownName)
	}

	// a second cycle right away deduplicates every sighting
	if _, err := s.RunCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := count(t, db, "visits"); n != 4 {
		t.Errorf("visits after second cycle = %d, want 4", n)
	}
	if _, ok, err := LastScrape(context.Background(), db); err != nil || !ok {
		t.Errorf("LastScrape ok=%v err=%v", ok, err)
	}
}
