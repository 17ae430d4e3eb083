package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatgate/crypto"
	"github.com/onnwee/chatgate/db"
	"github.com/onnwee/chatgate/testutil"
)

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := db.Connect(context.Background(), ""); !errors.Is(err, db.ErrNoDSN) {
		t.Fatalf("Connect(\"\") error = %v, want ErrNoDSN", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := db.Migrate(database); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	version, dirty, err := db.MigrationVersion(database)
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if dirty || version < 1 {
		t.Errorf("version = %d dirty = %v", version, dirty)
	}
}

func TestTokenStore(t *testing.T) {
	sealer, err := crypto.NewAESSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "k1")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		sealer crypto.Sealer
	}{
		{"plaintext", nil},
		{"sealed", sealer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := testutil.SetupTestDB(t)
			store := &db.TokenStore{DB: database, Sealer: tt.sealer}
			ctx := context.Background()

			if _, err := store.Load(ctx, db.ProviderBot); !errors.Is(err, db.ErrTokenNotFound) {
				t.Fatalf("Load(empty) error = %v, want ErrTokenNotFound", err)
			}
			expiry := time.Now().Add(time.Hour).Truncate(time.Second)
			if err := store.Save(ctx, db.ProviderBot, db.Token{Access: "a1", Refresh: "r1", Expiry: expiry, Scope: " user:read:chat "}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := store.Save(ctx, db.ProviderBot, db.Token{Access: "a2", Refresh: "r2", Expiry: expiry, Scope: "user:read:chat"}); err != nil {
				t.Fatalf("Save() overwrite error = %v", err)
			}
			tok, err := store.Load(ctx, db.ProviderBot)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tok.Access != "a2" || tok.Refresh != "r2" || tok.Scope != "user:read:chat" || !tok.Expiry.Equal(expiry) {
				t.Errorf("Load() = %+v", tok)
			}

			var raw string
			if err := database.QueryRow(`SELECT access_token FROM oauth_tokens WHERE provider=$1`, db.ProviderBot).Scan(&raw); err != nil {
				t.Fatal(err)
			}
			if sealed := raw != "a2"; sealed != (tt.sealer != nil) {
				t.Errorf("stored access token %q, sealed = %v", raw, sealed)
			}
		})
	}
}

func TestTokenStoreSealedRowNeedsKey(t *testing.T) {
	database := testutil.SetupTestDB(t)
	sealer, _ := crypto.NewAESSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "")
	ctx := context.Background()
	if err := (&db.TokenStore{DB: database, Sealer: sealer}).Save(ctx, db.ProviderBroadcaster, db.Token{Access: "a", Refresh: "r"}); err != nil {
		t.Fatal(err)
	}
	if _, err := (&db.TokenStore{DB: database}).Load(ctx, db.ProviderBroadcaster); err == nil {
		t.Error("sealed row loaded without a key")
	}
}

func TestMessageStore(t *testing.T) {
	database := testutil.SetupTestDB(t)
	store := &db.MessageStore{DB: database}
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	msgs := []db.ArchivedMessage{
		{MessageID: "m1", Channel: "caster", UserID: "7", Username: "viewer", Message: "first", ReceivedAt: base},
		{MessageID: "m2", Channel: "caster", UserID: "8", Username: "mod", Message: "second", Badges: []string{"moderator", "subscriber"}, ReceivedAt: base.Add(time.Second)},
		{MessageID: "m3", Channel: "other", UserID: "9", Username: "x", Message: "elsewhere", ReceivedAt: base},
	}
	for _, m := range msgs {
		if err := store.Insert(ctx, m); err != nil {
			t.Fatalf("Insert(%s) error = %v", m.MessageID, err)
		}
	}
	if err := store.Insert(ctx, msgs[0]); err != nil {
		t.Fatalf("duplicate Insert() error = %v", err)
	}
	if err := store.Insert(ctx, db.ArchivedMessage{Channel: "caster"}); err == nil {
		t.Error("message without id accepted")
	}

	got, err := store.Recent(ctx, "caster", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].MessageID != "m2" || got[1].MessageID != "m1" {
		t.Fatalf("Recent() = %+v", got)
	}
	if len(got[0].Badges) != 2 || got[0].Badges[0] != "moderator" || got[1].Badges != nil {
		t.Errorf("badges = %v / %v", got[0].Badges, got[1].Badges)
	}
}

func TestSealPlaintext(t *testing.T) {
	database := testutil.SetupTestDB(t)
	sealer, _ := crypto.NewAESSealer("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "k2")
	ctx := context.Background()
	plain := &db.TokenStore{DB: database}
	sealed := &db.TokenStore{DB: database, Sealer: sealer}

	if _, err := plain.SealPlaintext(ctx, false); err == nil {
		t.Fatal("SealPlaintext without a key succeeded")
	}
	if err := plain.Save(ctx, db.ProviderBot, db.Token{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := sealed.Save(ctx, db.ProviderBroadcaster, db.Token{Access: "a2", Refresh: "r2"}); err != nil {
		t.Fatal(err)
	}

	n, err := sealed.SealPlaintext(ctx, true)
	if err != nil || n != 1 {
		t.Fatalf("dry run = %d, %v; want 1", n, err)
	}
	if status, _ := sealed.EncryptionStatus(ctx); status[0] != 1 || status[1] != 1 {
		t.Fatalf("status after dry run = %v", status)
	}

	if n, err = sealed.SealPlaintext(ctx, false); err != nil || n != 1 {
		t.Fatalf("SealPlaintext = %d, %v; want 1", n, err)
	}
	status, err := sealed.EncryptionStatus(ctx)
	if err != nil || status[0] != 0 || status[1] != 2 {
		t.Errorf("status = %v, %v", status, err)
	}
	tok, err := sealed.Load(ctx, db.ProviderBot)
	if err != nil || tok.Access != "a1" || tok.Refresh != "r1" {
		t.Errorf("Load after sealing = %+v, %v", tok, err)
	}
}
