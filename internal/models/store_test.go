package models

import (
	"testing"
	"time"

	"github.com/deckhand/deckhand/internal/db"
)

func openTestDB(t *testing.T) *UserStore {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewUserStore(database)
}

func TestUserLifecycle(t *testing.T) {
	users := openTestDB(t)

	if n, _ := users.Count(); n != 0 {
		t.Fatalf("fresh store count = %d", n)
	}

	u, err := users.Create("admin", "hunter22")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID != 1 || u.Username != "admin" || !u.Active {
		t.Errorf("created user = %+v", u)
	}
	if u.Password == "hunter22" {
		t.Error("password stored in plaintext")
	}

	found, err := users.FindByUsername("admin")
	if err != nil || found == nil {
		t.Fatalf("find: %v %v", found, err)
	}
	if !VerifyPassword("hunter22", found.Password) {
		t.Error("password verify failed")
	}
	if VerifyPassword("wrong", found.Password) {
		t.Error("wrong password verified")
	}

	byID, err := users.FindByID(1)
	if err != nil || byID == nil || byID.Username != "admin" {
		t.Fatalf("find by id: %+v %v", byID, err)
	}

	if missing, _ := users.FindByUsername("ghost"); missing != nil {
		t.Error("ghost user found")
	}
}

func TestJWTRoundTripAndInvalidation(t *testing.T) {
	users := openTestDB(t)
	u, err := users.Create("admin", "hunter22")
	if err != nil {
		t.Fatal(err)
	}

	secret := "test-secret"
	token, err := CreateJWT(u, secret)
	if err != nil {
		t.Fatalf("create jwt: %v", err)
	}

	claims, err := VerifyJWT(token, secret)
	if err != nil {
		t.Fatalf("verify jwt: %v", err)
	}
	if claims.Username != "admin" {
		t.Errorf("claims username = %q", claims.Username)
	}
	if claims.H != Shake256Hex(u.Password, 16) {
		t.Error("claims fingerprint mismatch")
	}

	if _, err := VerifyJWT(token, "other-secret"); err == nil {
		t.Error("token verified with wrong secret")
	}

	// A password change rotates the fingerprint.
	if err := users.ChangePassword(u.ID, "newpassword"); err != nil {
		t.Fatal(err)
	}
	changed, _ := users.FindByID(u.ID)
	if claims.H == Shake256Hex(changed.Password, 16) {
		t.Error("fingerprint should change with the password")
	}
}

func TestImageUpdateStore(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewImageUpdateStore(database)

	rec := ImageUpdateRecord{
		ImageRef:      "nginx:1.25",
		LocalDigest:   "sha256:aaa",
		RemoteDigest:  "sha256:bbb",
		HasUpdate:     true,
		LastCheckedAt: time.Now().Unix(),
	}
	if err := store.Upsert(rec); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ImageUpdateRecord{ImageRef: "redis:7", HasUpdate: false}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get("nginx:1.25")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if !got.HasUpdate || got.RemoteDigest != "sha256:bbb" {
		t.Errorf("record = %+v", got)
	}

	m, err := store.UpdateMap()
	if err != nil {
		t.Fatal(err)
	}
	if !m["nginx:1.25"] || m["redis:7"] {
		t.Errorf("update map = %v", m)
	}

	if err := store.Delete("nginx:1.25"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Get("nginx:1.25"); got != nil {
		t.Error("record survived delete")
	}
}

func TestDismissedDigests(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewImageUpdateStore(database)

	if err := store.DismissDigest("", "demo", "sha256:bbb"); err != nil {
		t.Fatal(err)
	}
	if err := store.DismissDigest("", "demo", "sha256:bbb"); err != nil {
		t.Fatal(err) // idempotent
	}

	dismissed, err := store.IsDismissed("", "demo", "sha256:bbb")
	if err != nil || !dismissed {
		t.Errorf("dismissed = %v %v", dismissed, err)
	}
	if d, _ := store.IsDismissed("", "demo", "sha256:ccc"); d {
		t.Error("unknown digest dismissed")
	}
	if d, _ := store.IsDismissed("remote1", "demo", "sha256:bbb"); d {
		t.Error("dismissal leaked across endpoints")
	}

	if err := store.ClearDismissed("", "demo"); err != nil {
		t.Fatal(err)
	}
	if d, _ := store.IsDismissed("", "demo", "sha256:bbb"); d {
		t.Error("dismissal survived clear")
	}
}

func TestSeedFromFixture(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	store := NewImageUpdateStore(database)

	store.Upsert(ImageUpdateRecord{ImageRef: "old:1", HasUpdate: true})

	if err := store.SeedFromFixture(map[string]bool{"nginx:1.25": true, "redis:7": false}); err != nil {
		t.Fatal(err)
	}

	m, _ := store.UpdateMap()
	if m["old:1"] {
		t.Error("seed should clear previous entries")
	}
	if !m["nginx:1.25"] {
		t.Error("seeded flag missing")
	}
}

func TestSettingStore(t *testing.T) {
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	settings := NewSettingStore(database)

	if v, _ := settings.Get("missing"); v != "" {
		t.Errorf("missing key = %q", v)
	}

	if err := settings.Set("hostname", "example.test"); err != nil {
		t.Fatal(err)
	}
	if v, _ := settings.Get("hostname"); v != "example.test" {
		t.Errorf("get = %q", v)
	}

	secret1, err := settings.EnsureJWTSecret()
	if err != nil || secret1 == "" {
		t.Fatalf("ensure secret: %q %v", secret1, err)
	}
	secret2, _ := settings.EnsureJWTSecret()
	if secret1 != secret2 {
		t.Error("secret should be stable across calls")
	}
}
