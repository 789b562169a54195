// Package backendtest holds the behaviour every [backend.Backend] must share.
// Implementation packages call [Run] from their own tests.
package backendtest

import (
	"context"
	"errors"
	"testing"

	"github.com/nagriksetu/nagriksetu/internal/backend"
)

// Run exercises b against the backend contract. newBackend must return an
// empty backend; it is called once per subtest. Subtests that need users are
// skipped unless the backend implements [backend.Registrar].
func Run(t *testing.T, newBackend func(t *testing.T) backend.Backend) {
	t.Helper()

	t.Run("Authenticate", func(t *testing.T) {
		b := newBackend(t)
		reg, ok := b.(backend.Registrar)
		if !ok {
			t.Skip("backend cannot register users")
		}
		ctx := context.Background()
		cred := backend.Credentials{Email: "asha@example.in", Password: "samvidhan"}

		id, err := reg.Register(ctx, cred, "Asha")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if id.ID == "" || id.DisplayName != "Asha" {
			t.Errorf("Register identity = %+v", id)
		}
		if _, err := reg.Register(ctx, cred, "Asha again"); !errors.Is(err, backend.ErrExists) {
			t.Errorf("duplicate Register error = %v, want ErrExists", err)
		}

		got, err := b.Authenticate(ctx, backend.Credentials{Email: "ASHA@example.in", Password: "samvidhan"})
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if got.ID != id.ID {
			t.Errorf("Authenticate id = %q, want %q", got.ID, id.ID)
		}

		for _, bad := range []backend.Credentials{
			{Email: cred.Email, Password: "wrong"},
			{Email: "nobody@example.in", Password: "samvidhan"},
		} {
			if _, err := b.Authenticate(ctx, bad); !errors.Is(err, backend.ErrAuth) {
				t.Errorf("Authenticate(%s) error = %v, want ErrAuth", bad.Email, err)
			}
		}
	})

	t.Run("ProfileMerge", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		if _, ok, err := b.GetProfile(ctx, "u1"); err != nil || ok {
			t.Fatalf("GetProfile on empty = ok=%v err=%v, want absent", ok, err)
		}
		if err := b.PutProfile(ctx, "u1", backend.Profile{"points": 10, "lang": "hi"}); err != nil {
			t.Fatalf("PutProfile: %v", err)
		}
		if err := b.PutProfile(ctx, "u1", backend.Profile{"points": 25}); err != nil {
			t.Fatalf("PutProfile: %v", err)
		}

		p, ok, err := b.GetProfile(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("GetProfile = ok=%v err=%v", ok, err)
		}
		if n, _ := toFloat(p["points"]); n != 25 {
			t.Errorf("points = %v, want 25 (last write wins)", p["points"])
		}
		if p["lang"] != "hi" {
			t.Errorf("lang = %v, want hi (merge keeps other keys)", p["lang"])
		}
		if _, ok, _ := b.GetProfile(ctx, "u2"); ok {
			t.Error("profile leaked to another user")
		}
	})

	t.Run("FeedOrder", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		scores := []float64{30, 10, 20}
		ids := make([]string, len(scores))
		for i, s := range scores {
			id, err := b.AppendToFeed(ctx, "leaderboard", map[string]any{"points": s})
			if err != nil {
				t.Fatalf("AppendToFeed: %v", err)
			}
			if id == "" {
				t.Fatal("AppendToFeed returned empty id")
			}
			ids[i] = id
		}

		byPoints, err := b.ListFeed(ctx, "leaderboard", 2, backend.OrderBy{Field: "points", Desc: true})
		if err != nil {
			t.Fatalf("ListFeed: %v", err)
		}
		if len(byPoints) != 2 {
			t.Fatalf("ListFeed returned %d records, want 2", len(byPoints))
		}
		if byPoints[0].ID != ids[0] || byPoints[1].ID != ids[2] {
			t.Errorf("order by points desc = [%s %s], want [%s %s]", byPoints[0].ID, byPoints[1].ID, ids[0], ids[2])
		}

		all, err := b.ListFeed(ctx, "leaderboard", 0, backend.OrderBy{Field: "points"})
		if err != nil {
			t.Fatalf("ListFeed: %v", err)
		}
		if len(all) != 3 || all[0].ID != ids[1] {
			t.Errorf("ascending list = %v", all)
		}

		if other, _ := b.ListFeed(ctx, "voice_turns", 10, backend.Newest); len(other) != 0 {
			t.Errorf("feed leaked records: %v", other)
		}
	})

	t.Run("InvalidFeed", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.AppendToFeed(context.Background(), "Bad Feed!", nil); !errors.Is(err, backend.ErrInvalid) {
			t.Errorf("AppendToFeed error = %v, want ErrInvalid", err)
		}
	})

	t.Run("AppendWithIDIdempotent", func(t *testing.T) {
		b := newBackend(t)
		a, ok := b.(backend.IDAppender)
		if !ok {
			t.Skip("backend does not accept record ids")
		}
		ctx := context.Background()
		const id = "6f1c2a8e-3b7d-4c59-9e1a-0d2f4b6c8a10"
		for range 2 {
			if err := a.AppendWithID(ctx, "posts", id, map[string]any{"title": "Fundamental duties"}); err != nil {
				t.Fatalf("AppendWithID: %v", err)
			}
		}
		recs, err := b.ListFeed(ctx, "posts", 10, backend.Newest)
		if err != nil {
			t.Fatalf("ListFeed: %v", err)
		}
		if len(recs) != 1 || recs[0].ID != id {
			t.Errorf("records = %v, want exactly %s", recs, id)
		}
	})
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
